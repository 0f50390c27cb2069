package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dropkit/flashsale/internal/ledger"
	"github.com/dropkit/flashsale/internal/metrics"
	"github.com/dropkit/flashsale/internal/orders"
	"github.com/dropkit/flashsale/internal/sale"
	"github.com/dropkit/flashsale/internal/store"
)

// SaleStore is the durable surface the engine needs for seeding and confirm.
type SaleStore interface {
	GetSale(ctx context.Context, id string) (sale.Sale, error)
	ConfirmSold(ctx context.Context, id string, qty int) (bool, error)
}

// OrderStore records finalized purchases and aggregates them for the
// reconciliation cross-check.
type OrderStore interface {
	Create(ctx context.Context, o orders.Order) error
	SumSold(ctx context.Context, saleID string) (int, error)
}

// EntryStore mirrors the entry-status change on confirm into the ledger.
type EntryStore interface {
	MarkLatest(ctx context.Context, saleID, userID string, from, to ledger.EntryStatus) (bool, error)
}

// Outcome is the result of a reservation attempt. Remaining reports the
// working counter after the attempt (untouched on rejection).
type Outcome struct {
	Accepted  bool  `json:"accepted"`
	Remaining int64 `json:"remaining"`
}

// Stats is a point-in-time inventory snapshot. Reserved is derived and
// tolerant of in-flight operations, not an invariant check.
type Stats struct {
	Total     int64 `json:"total"`
	Available int64 `json:"available"`
	Sold      int64 `json:"sold"`
	Reserved  int64 `json:"reserved"`
}

// Engine owns the "does this buyer get a unit" decision. The working counter
// and the holds live in the coordination store; the durable total is only
// touched on confirm.
type Engine struct {
	store   store.Store
	sales   SaleStore
	orders  OrderStore
	entries EntryStore
	ttl     time.Duration
	log     zerolog.Logger
}

func New(st store.Store, sales SaleStore, ord OrderStore, entries EntryStore, ttl time.Duration, log zerolog.Logger) *Engine {
	return &Engine{
		store:   st,
		sales:   sales,
		orders:  ord,
		entries: entries,
		ttl:     ttl,
		log:     log.With().Str("component", "inventory").Logger(),
	}
}

// Initialize seeds the working counter, overwriting any existing value.
func (e *Engine) Initialize(ctx context.Context, saleID string, qty int64) error {
	return e.store.SetCounter(ctx, store.StockKey(saleID), qty)
}

// Available returns the working counter, seeding it from the durable
// remaining stock on a cold cache.
func (e *Engine) Available(ctx context.Context, saleID string) (int64, error) {
	v, ok, err := e.store.GetCounter(ctx, store.StockKey(saleID))
	if err != nil {
		return 0, err
	}
	if ok {
		return v, nil
	}
	return e.seed(ctx, saleID)
}

func (e *Engine) seed(ctx context.Context, saleID string) (int64, error) {
	s, err := e.sales.GetSale(ctx, saleID)
	if err != nil {
		return 0, err
	}
	remaining := int64(s.Remaining())
	if err := e.store.SetCounter(ctx, store.StockKey(saleID), remaining); err != nil {
		return 0, err
	}
	e.log.Debug().Str("sale_id", saleID).Int64("stock", remaining).Msg("working counter seeded")
	return remaining, nil
}

// Reserve performs the duplicate check and the check-and-decrement as one
// step against the store, then holds the units for the TTL. A second attempt
// for the same (sale, user) while a hold lives is rejected without touching
// the counter.
func (e *Engine) Reserve(ctx context.Context, saleID, userID string, qty int64) (Outcome, error) {
	if qty <= 0 {
		qty = 1
	}
	counterKey, holdKey := store.StockKey(saleID), store.HoldKey(saleID, userID)

	res, err := e.store.Reserve(ctx, counterKey, holdKey, qty, e.ttl)
	if err != nil {
		return Outcome{}, err
	}
	if res.Code == store.ReserveNoCounter {
		// Cold cache: seed from durable, then one retry.
		if _, err := e.seed(ctx, saleID); err != nil {
			return Outcome{}, err
		}
		res, err = e.store.Reserve(ctx, counterKey, holdKey, qty, e.ttl)
		if err != nil {
			return Outcome{}, err
		}
	}

	switch res.Code {
	case store.ReserveAccepted:
		metrics.ReserveAttempt("accepted")
		return Outcome{Accepted: true, Remaining: res.Remaining}, nil
	case store.ReserveSoldOut:
		metrics.ReserveAttempt("sold_out")
		return Outcome{Remaining: res.Remaining}, nil
	case store.ReserveDuplicate:
		metrics.ReserveAttempt("duplicate")
		cur, _, err := e.store.GetCounter(ctx, counterKey)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Remaining: cur}, nil
	default:
		return Outcome{}, fmt.Errorf("unexpected reserve code %d for sale %s", res.Code, saleID)
	}
}

// Release discards a live hold and credits the working counter by the held
// quantity in the same step. Reports whether a hold was found.
func (e *Engine) Release(ctx context.Context, saleID, userID string) (bool, error) {
	_, ok, err := e.store.TakeHold(ctx, store.StockKey(saleID), store.HoldKey(saleID, userID), true)
	return ok, err
}

// ConfirmPurchase consumes the hold without crediting the counter — the
// units are sold now, not free — then moves the durable stock to sold and
// writes the order row. Reports whether a hold was found.
func (e *Engine) ConfirmPurchase(ctx context.Context, saleID, userID string) (bool, error) {
	qty, ok, err := e.store.TakeHold(ctx, store.StockKey(saleID), store.HoldKey(saleID, userID), false)
	if err != nil || !ok {
		return false, err
	}

	s, err := e.sales.GetSale(ctx, saleID)
	if err != nil {
		return false, err
	}
	sold, err := e.sales.ConfirmSold(ctx, saleID, int(qty))
	if err != nil {
		return false, fmt.Errorf("confirm sold: %w", err)
	}
	if !sold {
		// The durable guard refused: sold would exceed total. The hold is
		// already consumed, so surface loudly instead of quietly refunding.
		return false, fmt.Errorf("durable stock underflow confirming %d units of sale %s", qty, saleID)
	}

	if err := e.orders.Create(ctx, orders.Order{
		ID:         uuid.NewString(),
		SaleID:     saleID,
		UserID:     userID,
		Qty:        int(qty),
		PriceCents: s.PriceCents,
	}); err != nil {
		return false, fmt.Errorf("create order: %w", err)
	}

	if _, err := e.entries.MarkLatest(ctx, saleID, userID, ledger.StatusReserved, ledger.StatusPurchased); err != nil {
		return false, fmt.Errorf("mark entry purchased: %w", err)
	}

	e.log.Info().Str("sale_id", saleID).Str("user_id", userID).Int64("qty", qty).Msg("purchase confirmed")
	return true, nil
}

// Stats derives reserved as total - available - sold, floored at zero.
func (e *Engine) Stats(ctx context.Context, saleID string) (Stats, error) {
	s, err := e.sales.GetSale(ctx, saleID)
	if err != nil {
		return Stats{}, err
	}
	avail, err := e.Available(ctx, saleID)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Total:     int64(s.TotalStock),
		Available: avail,
		Sold:      int64(s.SoldUnits),
	}
	if r := st.Total - st.Available - st.Sold; r > 0 {
		st.Reserved = r
	}
	return st, nil
}

// BulkRelease deletes every live hold for a sale and re-seeds the counter
// from the durable remaining stock. Used when a sale is force-ended.
func (e *Engine) BulkRelease(ctx context.Context, saleID string) (int, error) {
	holds, err := e.store.ScanHolds(ctx, store.HoldPattern(saleID))
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(holds))
	for k := range holds {
		keys = append(keys, k)
	}
	if _, err := e.store.Delete(ctx, keys...); err != nil {
		return 0, err
	}
	if _, err := e.seed(ctx, saleID); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// SyncCounter re-derives available = remaining - sum(live holds) and repairs
// the working counter when it drifted (holds expiring in the store delete
// themselves without crediting the counter; this is where those units come
// back). Returns the applied correction.
func (e *Engine) SyncCounter(ctx context.Context, saleID string) (int64, error) {
	s, err := e.sales.GetSale(ctx, saleID)
	if err != nil {
		return 0, err
	}
	fromOrders, err := e.orders.SumSold(ctx, saleID)
	if err != nil {
		return 0, err
	}
	if fromOrders != s.SoldUnits {
		// Order history and the sold counter disagree; surface it, the
		// orders table is append-only and not repaired from here.
		e.log.Warn().Str("sale_id", saleID).
			Int("sold_units", s.SoldUnits).Int("order_sum", fromOrders).
			Msg("sold units diverge from order history")
	}
	holds, err := e.store.ScanHolds(ctx, store.HoldPattern(saleID))
	if err != nil {
		return 0, err
	}
	var held int64
	for _, qty := range holds {
		held += qty
	}
	want := int64(s.Remaining()) - held
	if want < 0 {
		want = 0
	}
	cur, ok, err := e.store.GetCounter(ctx, store.StockKey(saleID))
	if err != nil {
		return 0, err
	}
	if !ok {
		// Absent key: nothing in flight can be decrementing it, a plain
		// seed is safe.
		if err := e.store.SetCounter(ctx, store.StockKey(saleID), want); err != nil {
			return 0, err
		}
		e.log.Info().Str("sale_id", saleID).Int64("drift", want).Msg("working counter reconciled")
		return want, nil
	}
	drift := want - cur
	if drift == 0 {
		return 0, nil
	}
	// Apply the correction as a delta. A reserve landing between the
	// snapshot above and this write keeps its decrement; a plain set here
	// would erase it while its hold survives, and the counter would
	// overstate free stock.
	if _, err := e.store.IncrBy(ctx, store.StockKey(saleID), drift); err != nil {
		return 0, err
	}
	e.log.Info().Str("sale_id", saleID).Int64("drift", drift).Msg("working counter reconciled")
	return drift, nil
}
