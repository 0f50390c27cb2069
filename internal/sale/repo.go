package sale

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo is the pgx implementation of Repository.
type Repo struct{ DB *pgxpool.Pool }

const saleColumns = `id, product_ref, price_cents, total_stock, sold_units, starts_at, ends_at, status, created_at, updated_at`

func scanSale(row pgx.Row) (Sale, error) {
	var s Sale
	var status string
	err := row.Scan(&s.ID, &s.ProductRef, &s.PriceCents, &s.TotalStock, &s.SoldUnits,
		&s.StartsAt, &s.EndsAt, &status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return Sale{}, err
	}
	s.Status = Status(status)
	return s, nil
}

func (r *Repo) GetSale(ctx context.Context, id string) (Sale, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id=$1`, id)
	s, err := scanSale(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Sale{}, ErrSaleNotFound
	}
	if err != nil {
		return Sale{}, err
	}
	return s, nil
}

func (r *Repo) CreateSale(ctx context.Context, s Sale) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO sales(id, product_ref, price_cents, total_stock, sold_units, starts_at, ends_at, status)
		VALUES ($1,$2,$3,$4,0,$5,$6,$7)`,
		s.ID, s.ProductRef, s.PriceCents, s.TotalStock, s.StartsAt, s.EndsAt, string(s.Status))
	return err
}

// UpdateStatus is a compare-and-set on the status column, so two instances
// racing the same transition cannot both win.
func (r *Repo) UpdateStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE sales SET status=$3, updated_at=now()
		WHERE id=$1 AND status=$2`, id, string(from), string(to))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repo) ListByStatus(ctx context.Context, statuses ...Status) ([]Sale, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	params := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		params[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(st)
	}
	rows, err := r.DB.Query(ctx, `SELECT `+saleColumns+` FROM sales
		WHERE status IN (`+strings.Join(params, ",")+`) ORDER BY starts_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sale
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ConfirmSold moves qty from remaining into sold. The guard keeps sold_units
// from ever exceeding total_stock even if two confirms race.
func (r *Repo) ConfirmSold(ctx context.Context, id string, qty int) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE sales SET sold_units = sold_units + $2, updated_at=now()
		WHERE id=$1 AND sold_units + $2 <= total_stock`, id, qty)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}
