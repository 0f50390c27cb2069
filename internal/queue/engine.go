package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dropkit/flashsale/internal/clock"
	"github.com/dropkit/flashsale/internal/ledger"
	"github.com/dropkit/flashsale/internal/metrics"
	"github.com/dropkit/flashsale/internal/store"
)

var (
	ErrQueueFull  = errors.New("queue is full")
	ErrNotInQueue = errors.New("user not in queue")
)

// EntryStore is the durable ledger surface the engine mirrors into.
type EntryStore interface {
	Create(ctx context.Context, e ledger.Entry) error
	MarkLatest(ctx context.Context, saleID, userID string, from, to ledger.EntryStatus) (bool, error)
	MarkReserved(ctx context.Context, saleID string, userIDs []string) error
	CancelAllWaiting(ctx context.Context, saleID string) (int, error)
	BatchUpdatePositions(ctx context.Context, saleID string) error
}

// Position describes where a user stands in a sale's queue.
type Position struct {
	Position             int64     `json:"position"`
	TotalAhead           int64     `json:"total_ahead"`
	TotalBehind          int64     `json:"total_behind"`
	EstimatedWaitMinutes int       `json:"estimated_wait_minutes"`
	JoinedAt             time.Time `json:"joined_at"`
}

// Stats is the queue's dashboard surface.
type Stats struct {
	TotalWaiting                 int64   `json:"total_waiting"`
	EstimatedWaitTimeMinutes     int     `json:"estimated_wait_time_minutes"`
	AverageProcessingTimeSeconds float64 `json:"average_processing_time_seconds"`
	AdmissionRate                float64 `json:"admission_rate"` // users per second
}

// Engine owns "whose turn is it". Membership and ordering live in the
// coordination store's ordered set, keyed by arrival time; the ledger row is
// the durable mirror.
type Engine struct {
	store   store.Store
	entries EntryStore
	clock   clock.Clock
	log     zerolog.Logger

	maxSize   int64
	batchSize int
	perUser   time.Duration
}

func New(st store.Store, entries EntryStore, clk clock.Clock, maxSize int, batchSize int, perUser time.Duration, log zerolog.Logger) *Engine {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Engine{
		store:     st,
		entries:   entries,
		clock:     clk,
		log:       log.With().Str("component", "queue").Logger(),
		maxSize:   int64(maxSize),
		batchSize: batchSize,
		perUser:   perUser,
	}
}

// Join adds the user keyed by arrival time. Joining twice is idempotent: the
// current position comes back unchanged and no second ledger row is written.
func (e *Engine) Join(ctx context.Context, saleID, userID string) (Position, error) {
	key := store.QueueKey(saleID)

	// Membership is checked against the ordered set, not the ledger.
	if _, ok, err := e.store.ZScore(ctx, key, userID); err != nil {
		return Position{}, err
	} else if ok {
		metrics.QueueJoin("duplicate")
		return e.Position(ctx, saleID, userID)
	}

	size, err := e.store.ZCard(ctx, key)
	if err != nil {
		return Position{}, err
	}
	if size >= e.maxSize {
		metrics.QueueJoin("full")
		return Position{}, ErrQueueFull
	}

	now := e.clock.Now()
	added, err := e.store.ZAddNX(ctx, key, userID, float64(now.UnixMilli()))
	if err != nil {
		return Position{}, err
	}
	if !added {
		// Raced with another join for the same user; theirs counts.
		metrics.QueueJoin("duplicate")
		return e.Position(ctx, saleID, userID)
	}

	pos, err := e.Position(ctx, saleID, userID)
	if err != nil {
		return Position{}, err
	}
	if err := e.entries.Create(ctx, ledger.Entry{
		ID:       uuid.NewString(),
		UserID:   userID,
		SaleID:   saleID,
		Position: int(pos.Position),
		Status:   ledger.StatusWaiting,
		JoinedAt: now,
	}); err != nil {
		// Undo the set insert, so a failed join leaves no half-member the
		// ledger never heard of and the user can simply retry.
		if _, remErr := e.store.ZRem(ctx, key, userID); remErr != nil {
			e.log.Error().Err(remErr).Str("sale_id", saleID).Str("user_id", userID).Msg("join rollback failed")
		}
		return Position{}, fmt.Errorf("create ledger entry: %w", err)
	}

	metrics.QueueJoin("joined")
	e.log.Debug().Str("sale_id", saleID).Str("user_id", userID).Int64("position", pos.Position).Msg("user joined queue")
	return pos, nil
}

// Leave removes the user from the ordered set and cancels the waiting ledger
// row. Returns false when the user was not a member; a removal that happened
// is reported true even when the ledger write fails alongside it.
func (e *Engine) Leave(ctx context.Context, saleID, userID string) (bool, error) {
	removed, err := e.store.ZRem(ctx, store.QueueKey(saleID), userID)
	if err != nil {
		return false, err
	}
	if removed == 0 {
		return false, nil
	}
	if _, err := e.entries.MarkLatest(ctx, saleID, userID, ledger.StatusWaiting, ledger.StatusCancelled); err != nil {
		return true, fmt.Errorf("cancel ledger entry: %w", err)
	}
	if err := e.entries.BatchUpdatePositions(ctx, saleID); err != nil {
		e.log.Warn().Err(err).Str("sale_id", saleID).Msg("ledger position renumbering failed")
	}
	return true, nil
}

// Position reports rank-derived standing; ErrNotInQueue when absent.
func (e *Engine) Position(ctx context.Context, saleID, userID string) (Position, error) {
	key := store.QueueKey(saleID)
	rank, ok, err := e.store.ZRank(ctx, key, userID)
	if err != nil {
		return Position{}, err
	}
	if !ok {
		return Position{}, ErrNotInQueue
	}
	size, err := e.store.ZCard(ctx, key)
	if err != nil {
		return Position{}, err
	}
	score, _, err := e.store.ZScore(ctx, key, userID)
	if err != nil {
		return Position{}, err
	}
	return Position{
		Position:             rank + 1,
		TotalAhead:           rank,
		TotalBehind:          size - rank - 1,
		EstimatedWaitMinutes: e.estimatedWaitMinutes(rank + 1),
		JoinedAt:             time.UnixMilli(int64(score)).UTC(),
	}, nil
}

// Length is the ordered-set cardinality.
func (e *Engine) Length(ctx context.Context, saleID string) (int64, error) {
	return e.store.ZCard(ctx, store.QueueKey(saleID))
}

// AdmitNext atomically pops the lowest-ranked batch and marks their ledger
// rows reserved. A popped member is gone from the set in the same step, so a
// concurrent position check can never still see an admitted user. Empty
// queue yields an empty slice, never an error. A ledger failure after the
// pop returns the admitted identities alongside the error; the admission
// already happened and must not be lost.
func (e *Engine) AdmitNext(ctx context.Context, saleID string, batchSize int) ([]string, error) {
	if batchSize <= 0 {
		batchSize = e.batchSize
	}
	members, err := e.store.ZPopMin(ctx, store.QueueKey(saleID), int64(batchSize))
	if err != nil {
		return nil, err
	}
	userIDs := make([]string, 0, len(members))
	for _, m := range members {
		userIDs = append(userIDs, m.ID)
	}
	if len(userIDs) == 0 {
		return userIDs, nil
	}
	// The pop already happened; from here on the admitted identities are
	// returned even when the durable mirror fails, so they are never lost.
	if err := e.entries.MarkReserved(ctx, saleID, userIDs); err != nil {
		e.log.Error().Err(err).Str("sale_id", saleID).Strs("user_ids", userIDs).Msg("marking admitted entries reserved failed")
		return userIDs, fmt.Errorf("mark entries reserved: %w", err)
	}
	// Everyone still waiting moved up; renumber their ledger rows. Positions
	// are derived data, the next renumbering recomputes them, so a failure
	// here does not fail the admission.
	if err := e.entries.BatchUpdatePositions(ctx, saleID); err != nil {
		e.log.Warn().Err(err).Str("sale_id", saleID).Msg("ledger position renumbering failed")
	}
	metrics.Admitted(len(userIDs))
	e.log.Info().Str("sale_id", saleID).Int("admitted", len(userIDs)).Msg("batch admitted")
	return userIDs, nil
}

// Stats reports the waiting count plus the admission-rate estimate.
func (e *Engine) Stats(ctx context.Context, saleID string) (Stats, error) {
	size, err := e.store.ZCard(ctx, store.QueueKey(saleID))
	if err != nil {
		return Stats{}, err
	}
	perUser := e.perUser.Seconds()
	return Stats{
		TotalWaiting:                 size,
		EstimatedWaitTimeMinutes:     e.estimatedWaitMinutes(size),
		AverageProcessingTimeSeconds: perUser,
		AdmissionRate:                float64(e.batchSize) / perUser,
	}, nil
}

// Clear removes every member and cancels all waiting ledger rows; returns
// the number of members removed.
func (e *Engine) Clear(ctx context.Context, saleID string) (int, error) {
	key := store.QueueKey(saleID)
	size, err := e.store.ZCard(ctx, key)
	if err != nil {
		return 0, err
	}
	if _, err := e.store.Delete(ctx, key); err != nil {
		return 0, err
	}
	if _, err := e.entries.CancelAllWaiting(ctx, saleID); err != nil {
		return 0, fmt.Errorf("cancel waiting entries: %w", err)
	}
	return int(size), nil
}

// estimatedWaitMinutes = ceil(ceil(position/batch) * perUser / 60).
func (e *Engine) estimatedWaitMinutes(position int64) int {
	if position <= 0 {
		return 0
	}
	batches := math.Ceil(float64(position) / float64(e.batchSize))
	return int(math.Ceil(batches * e.perUser.Seconds() / 60))
}
