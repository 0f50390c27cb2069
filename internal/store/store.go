package store

import (
	"context"
	"time"
)

// ReserveCode classifies the outcome of the scripted check-and-decrement.
type ReserveCode int

const (
	ReserveSoldOut   ReserveCode = 0
	ReserveAccepted  ReserveCode = 1
	ReserveDuplicate ReserveCode = 2
	ReserveNoCounter ReserveCode = 3
)

// ReserveResult carries the outcome code and the counter value after the
// attempt (the untouched value on rejection).
type ReserveResult struct {
	Code      ReserveCode
	Remaining int64
}

// Member is an ordered-set entry with its arrival score.
type Member struct {
	ID    string
	Score float64
}

// Store is the fast coordination store used for the concurrency-critical
// counters, holds and ordered sets. Every multi-step operation below executes
// as one indivisible step against the store; callers never compose reads and
// writes around these primitives for shared state.
//
// Two implementations exist: Redis (Lua-scripted) for production and an
// in-memory single-mutex fake for unit tests.
type Store interface {
	// GetCounter returns the counter value; ok is false when the key is absent.
	GetCounter(ctx context.Context, key string) (val int64, ok bool, err error)
	SetCounter(ctx context.Context, key string, val int64) error
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// Reserve executes: reject if a hold exists at holdKey, reject if the
	// counter is absent or below qty, otherwise decrement the counter and
	// write a hold for qty with the given TTL — all as one step.
	Reserve(ctx context.Context, counterKey, holdKey string, qty int64, ttl time.Duration) (ReserveResult, error)

	// TakeHold deletes the hold at holdKey and returns its quantity. With
	// refund set, the counter is credited by that quantity in the same step.
	// ok is false when no live hold exists.
	TakeHold(ctx context.Context, counterKey, holdKey string, refund bool) (qty int64, ok bool, err error)

	// HoldQty reads a live hold without consuming it.
	HoldQty(ctx context.Context, holdKey string) (int64, bool, error)

	// ScanHolds returns all live holds matching pattern, keyed by hold key.
	ScanHolds(ctx context.Context, pattern string) (map[string]int64, error)

	Delete(ctx context.Context, keys ...string) (int64, error)

	// ZAddNX inserts member with score unless already present; reports
	// whether an insert happened.
	ZAddNX(ctx context.Context, key, member string, score float64) (bool, error)
	// ZRank returns the 0-based rank by ascending score.
	ZRank(ctx context.Context, key, member string) (int64, bool, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	// ZPopMin atomically removes and returns the n lowest-ranked members.
	ZPopMin(ctx context.Context, key string, n int64) ([]Member, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
}
