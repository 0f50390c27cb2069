package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dropkit/flashsale/internal/sale"
)

// Job names, fixed at construction.
const (
	JobUpdateSaleStatuses         = "update_sale_statuses"
	JobSyncInventory              = "sync_inventory"
	JobCleanupExpiredReservations = "cleanup_expired_reservations"
	JobRefreshActiveSalesCache    = "refresh_active_sales_cache"
	JobCleanupOldEntries          = "cleanup_old_entries"
)

// SaleSweeper drives the state machine's batch evaluation.
type SaleSweeper interface {
	ApplyAutomaticTransitions(ctx context.Context) (sale.SweepResult, error)
}

// SaleLister enumerates sales by status for the per-sale jobs.
type SaleLister interface {
	ListByStatus(ctx context.Context, statuses ...sale.Status) ([]sale.Sale, error)
}

// CounterSyncer repairs working-counter drift for one sale.
type CounterSyncer interface {
	SyncCounter(ctx context.Context, saleID string) (int64, error)
}

// ReservationSweeper cancels ledger rows stuck in reserved past the TTL.
type ReservationSweeper interface {
	TimeoutExpiredReservations(ctx context.Context, ttl time.Duration) (int, error)
}

// EntryCleaner hard-deletes ledger rows past retention.
type EntryCleaner interface {
	CleanupOldEntries(ctx context.Context, daysOld int) (int, error)
}

// CacheRefresher re-warms read-through caches for non-core collaborators.
type CacheRefresher func(ctx context.Context, active []sale.Sale) error

// ReconcilerConfig carries the per-job intervals and the sweep windows.
type ReconcilerConfig struct {
	SaleStatusInterval       time.Duration
	InventorySyncInterval    time.Duration
	ReservationSweepInterval time.Duration
	CacheRefreshInterval     time.Duration
	ReservationTTL           time.Duration
	LedgerRetentionDays      int
}

// NewReconciler builds the scheduler with the fixed set of reconciliation
// jobs wired to the engines. Each job is idempotent and fault-isolated.
func NewReconciler(cfg ReconcilerConfig, machine SaleSweeper, sales SaleLister, inv CounterSyncer, entries ReservationSweeper, cleaner EntryCleaner, refresh CacheRefresher, log zerolog.Logger) *Scheduler {
	s := New(log)

	s.Register(JobUpdateSaleStatuses, cfg.SaleStatusInterval, func(ctx context.Context) error {
		res, err := machine.ApplyAutomaticTransitions(ctx)
		if err != nil {
			return err
		}
		if len(res.Activated) > 0 || len(res.Completed) > 0 {
			log.Info().
				Strs("activated", res.Activated).
				Strs("completed", res.Completed).
				Msg("sale statuses updated")
		}
		var errs []error
		for id, ferr := range res.Failed {
			errs = append(errs, fmt.Errorf("sale %s: %w", id, ferr))
		}
		return errors.Join(errs...)
	})

	s.Register(JobSyncInventory, cfg.InventorySyncInterval, func(ctx context.Context) error {
		active, err := sales.ListByStatus(ctx, sale.StatusActive)
		if err != nil {
			return err
		}
		var errs []error
		for _, sl := range active {
			if _, err := inv.SyncCounter(ctx, sl.ID); err != nil {
				errs = append(errs, fmt.Errorf("sale %s: %w", sl.ID, err))
			}
		}
		return errors.Join(errs...)
	})

	s.Register(JobCleanupExpiredReservations, cfg.ReservationSweepInterval, func(ctx context.Context) error {
		// The store's TTL already evicted the holds; SyncCounter (above)
		// returns those units to the counter. This sweep heals the durable
		// mirror: rows stuck in reserved past the same TTL.
		n, err := entries.TimeoutExpiredReservations(ctx, cfg.ReservationTTL)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info().Int("swept", n).Msg("expired reservations timed out")
		}
		return nil
	})

	s.Register(JobRefreshActiveSalesCache, cfg.CacheRefreshInterval, func(ctx context.Context) error {
		if refresh == nil {
			return nil
		}
		active, err := sales.ListByStatus(ctx, sale.StatusActive)
		if err != nil {
			return err
		}
		return refresh(ctx, active)
	})

	s.Register(JobCleanupOldEntries, 24*time.Hour, func(ctx context.Context) error {
		n, err := cleaner.CleanupOldEntries(ctx, cfg.LedgerRetentionDays)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info().Int("deleted", n).Msg("old queue entries cleaned up")
		}
		return nil
	})

	return s
}
