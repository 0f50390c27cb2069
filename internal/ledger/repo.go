package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo persists queue entries in Postgres.
type Repo struct{ DB *pgxpool.Pool }

const entryColumns = `id, user_id, sale_id, position, status, joined_at, updated_at`

func (r *Repo) Create(ctx context.Context, e Entry) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO queue_entries(id, user_id, sale_id, position, status, joined_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.UserID, e.SaleID, e.Position, string(e.Status), e.JoinedAt)
	return err
}

// MarkLatest flips the most recent row for (sale, user) in fromStatus to
// toStatus. A (user, sale) pair has at most one live row, but historical
// cancelled rows may exist, hence "most recent".
func (r *Repo) MarkLatest(ctx context.Context, saleID, userID string, from, to EntryStatus) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE queue_entries SET status=$4, updated_at=now()
		WHERE id = (
			SELECT id FROM queue_entries
			WHERE sale_id=$1 AND user_id=$2 AND status=$3
			ORDER BY joined_at DESC LIMIT 1
		)`, saleID, userID, string(from), string(to))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// MarkReserved moves a batch of waiting rows to reserved in one statement,
// used after an admission pop.
func (r *Repo) MarkReserved(ctx context.Context, saleID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := r.DB.Exec(ctx, `
		UPDATE queue_entries SET status='reserved', updated_at=now()
		WHERE sale_id=$1 AND user_id = ANY($2) AND status='waiting'`,
		saleID, userIDs)
	return err
}

// CancelAllWaiting marks every waiting row for a sale cancelled and returns
// the count, used when a queue is cleared.
func (r *Repo) CancelAllWaiting(ctx context.Context, saleID string) (int, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE queue_entries SET status='cancelled', updated_at=now()
		WHERE sale_id=$1 AND status='waiting'`, saleID)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

// ExpiredReservations lists entries stuck in reserved past the reservation
// window.
func (r *Repo) ExpiredReservations(ctx context.Context, ttl time.Duration) ([]Entry, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE status='reserved' AND updated_at < now() - $1::interval
		ORDER BY updated_at`, fmt.Sprintf("%d milliseconds", ttl.Milliseconds()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var status string
		if err := rows.Scan(&e.ID, &e.UserID, &e.SaleID, &e.Position, &status, &e.JoinedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Status = EntryStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// TimeoutExpiredReservations forcibly cancels reserved rows older than the
// reservation window and returns how many were swept.
func (r *Repo) TimeoutExpiredReservations(ctx context.Context, ttl time.Duration) (int, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE queue_entries SET status='cancelled', updated_at=now()
		WHERE status='reserved' AND updated_at < now() - $1::interval`,
		fmt.Sprintf("%d milliseconds", ttl.Milliseconds()))
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (r *Repo) GetStats(ctx context.Context, saleID string) (Stats, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT status, COUNT(*) FROM queue_entries
		WHERE sale_id=$1 GROUP BY status`, saleID)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		st.TotalJoined += n
		switch EntryStatus(status) {
		case StatusWaiting:
			st.Waiting = n
		case StatusReserved:
			st.Reserved = n
		case StatusPurchased:
			st.Purchased = n
		case StatusCancelled:
			st.Cancelled = n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}
	if st.TotalJoined > 0 {
		st.ConversionRate = float64(st.Purchased) / float64(st.TotalJoined)
	}
	return st, nil
}

// BatchUpdatePositions recomputes dense positions for waiting rows from
// arrival order, used after bulk removals.
func (r *Repo) BatchUpdatePositions(ctx context.Context, saleID string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE queue_entries q SET position = ranked.pos, updated_at=now()
		FROM (
			SELECT id, ROW_NUMBER() OVER (ORDER BY joined_at, id) AS pos
			FROM queue_entries WHERE sale_id=$1 AND status='waiting'
		) ranked
		WHERE q.id = ranked.id AND q.position <> ranked.pos`, saleID)
	return err
}

// CleanupOldEntries hard-deletes terminal rows past retention.
func (r *Repo) CleanupOldEntries(ctx context.Context, daysOld int) (int, error) {
	ct, err := r.DB.Exec(ctx, `
		DELETE FROM queue_entries
		WHERE status IN ('purchased','cancelled')
		AND updated_at < now() - ($1 || ' days')::interval`, daysOld)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}
