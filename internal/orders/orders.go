package orders

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Order is a finalized purchase, written once a reservation is confirmed.
type Order struct {
	ID         string
	SaleID     string
	UserID     string
	Qty        int
	PriceCents int // unit price at purchase time
	CreatedAt  time.Time
}

type Repo struct{ DB *pgxpool.Pool }

func (r *Repo) Create(ctx context.Context, o Order) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO orders(id, sale_id, user_id, qty, price_cents)
		VALUES ($1,$2,$3,$4,$5)`,
		o.ID, o.SaleID, o.UserID, o.Qty, o.PriceCents)
	return err
}

// SumSold aggregates confirmed units for a sale, used by reconciliation to
// cross-check the sales.sold_units counter.
func (r *Repo) SumSold(ctx context.Context, saleID string) (int, error) {
	var n int
	err := r.DB.QueryRow(ctx, `
		SELECT COALESCE(SUM(qty), 0) FROM orders WHERE sale_id=$1`, saleID).Scan(&n)
	return n, err
}
