package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropkit/flashsale/internal/ledger"
	"github.com/dropkit/flashsale/internal/orders"
	"github.com/dropkit/flashsale/internal/sale"
	"github.com/dropkit/flashsale/internal/store"
)

type fakeSales struct {
	mu    sync.Mutex
	sales map[string]sale.Sale
}

func newFakeSales(sales ...sale.Sale) *fakeSales {
	m := map[string]sale.Sale{}
	for _, s := range sales {
		m[s.ID] = s
	}
	return &fakeSales{sales: m}
}

func (f *fakeSales) GetSale(_ context.Context, id string) (sale.Sale, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sales[id]
	if !ok {
		return sale.Sale{}, sale.ErrSaleNotFound
	}
	return s, nil
}

func (f *fakeSales) ConfirmSold(_ context.Context, id string, qty int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sales[id]
	if !ok || s.SoldUnits+qty > s.TotalStock {
		return false, nil
	}
	s.SoldUnits += qty
	f.sales[id] = s
	return true, nil
}

type fakeOrders struct {
	mu     sync.Mutex
	orders []orders.Order
}

func (f *fakeOrders) Create(_ context.Context, o orders.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, o)
	return nil
}

func (f *fakeOrders) SumSold(_ context.Context, saleID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, o := range f.orders {
		if o.SaleID == saleID {
			n += o.Qty
		}
	}
	return n, nil
}

type fakeEntries struct {
	mu    sync.Mutex
	marks []string
}

func (f *fakeEntries) MarkLatest(_ context.Context, saleID, userID string, from, to ledger.EntryStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, userID+":"+string(from)+"->"+string(to))
	return true, nil
}

func newEngine(t *testing.T, sales *fakeSales) (*Engine, *store.Memory, *fakeOrders, *fakeEntries) {
	t.Helper()
	mem := store.NewMemory()
	ord := &fakeOrders{}
	ent := &fakeEntries{}
	return New(mem, sales, ord, ent, 300*time.Second, zerolog.Nop()), mem, ord, ent
}

func testSale(stock int) sale.Sale {
	return sale.Sale{
		ID:         "s1",
		ProductRef: "sku-1",
		PriceCents: 1999,
		TotalStock: stock,
		Status:     sale.StatusActive,
	}
}

func TestAvailableSeedsColdCache(t *testing.T) {
	e, mem, _, _ := newEngine(t, newFakeSales(testSale(7)))
	ctx := context.Background()

	v, err := e.Available(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	// Counter now exists in the store.
	c, ok, _ := mem.GetCounter(ctx, store.StockKey("s1"))
	require.True(t, ok)
	assert.Equal(t, int64(7), c)
}

func TestAvailableUnknownSale(t *testing.T) {
	e, _, _, _ := newEngine(t, newFakeSales())
	_, err := e.Available(context.Background(), "nope")
	assert.ErrorIs(t, err, sale.ErrSaleNotFound)
}

func TestReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("cold cache seeds then reserves", func(t *testing.T) {
		e, _, _, _ := newEngine(t, newFakeSales(testSale(3)))
		out, err := e.Reserve(ctx, "s1", "u1", 1)
		require.NoError(t, err)
		assert.True(t, out.Accepted)
		assert.Equal(t, int64(2), out.Remaining)
	})

	t.Run("second attempt for same user rejected", func(t *testing.T) {
		e, _, _, _ := newEngine(t, newFakeSales(testSale(3)))
		_, err := e.Reserve(ctx, "s1", "u1", 1)
		require.NoError(t, err)

		out, err := e.Reserve(ctx, "s1", "u1", 1)
		require.NoError(t, err)
		assert.False(t, out.Accepted)
		assert.Equal(t, int64(2), out.Remaining)
	})

	t.Run("insufficient stock rejected with counter untouched", func(t *testing.T) {
		e, _, _, _ := newEngine(t, newFakeSales(testSale(1)))
		out, err := e.Reserve(ctx, "s1", "u1", 2)
		require.NoError(t, err)
		assert.False(t, out.Accepted)
		assert.Equal(t, int64(1), out.Remaining)
	})

	t.Run("quantity defaults to one", func(t *testing.T) {
		e, _, _, _ := newEngine(t, newFakeSales(testSale(5)))
		out, err := e.Reserve(ctx, "s1", "u1", 0)
		require.NoError(t, err)
		assert.True(t, out.Accepted)
		assert.Equal(t, int64(4), out.Remaining)
	})
}

func TestNoOversell(t *testing.T) {
	const stock = 3
	const callers = 40

	e, _, _, _ := newEngine(t, newFakeSales(testSale(stock)))
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx, "s1", stock))

	var wg sync.WaitGroup
	accepted := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			user := string(rune('A' + n))
			out, err := e.Reserve(ctx, "s1", user, 1)
			if assert.NoError(t, err) && out.Accepted {
				accepted <- user
			}
		}(i)
	}
	wg.Wait()
	close(accepted)

	var winners int
	for range accepted {
		winners++
	}
	assert.Equal(t, stock, winners)

	v, err := e.Available(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestAtMostOneReservationPerUser(t *testing.T) {
	e, _, _, _ := newEngine(t, newFakeSales(testSale(10)))
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx, "s1", 10))

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Reserve(ctx, "s1", "u1", 1)
			assert.NoError(t, err)
			results <- out.Accepted
		}()
	}
	wg.Wait()
	close(results)

	var wins int
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestExactOversellBoundary(t *testing.T) {
	e, _, _, _ := newEngine(t, newFakeSales(testSale(3)))
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx, "s1", 3))

	var wg sync.WaitGroup
	results := make(chan bool, 4)
	for _, u := range []string{"u1", "u2", "u3", "u4"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			out, err := e.Reserve(ctx, "s1", user, 1)
			assert.NoError(t, err)
			results <- out.Accepted
		}(u)
	}
	wg.Wait()
	close(results)

	var accepted, rejected int
	for ok := range results {
		if ok {
			accepted++
		} else {
			rejected++
		}
	}
	assert.Equal(t, 3, accepted)
	assert.Equal(t, 1, rejected)

	v, err := e.Available(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestReleaseRestoresCounter(t *testing.T) {
	e, _, _, _ := newEngine(t, newFakeSales(testSale(5)))
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx, "s1", 5))

	out, err := e.Reserve(ctx, "s1", "u1", 2)
	require.NoError(t, err)
	require.True(t, out.Accepted)

	found, err := e.Release(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.True(t, found)

	v, err := e.Available(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	// Nothing left to release.
	found, err = e.Release(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestConfirmPurchase(t *testing.T) {
	sales := newFakeSales(testSale(5))
	e, _, ord, ent := newEngine(t, sales)
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx, "s1", 5))

	out, err := e.Reserve(ctx, "s1", "u1", 2)
	require.NoError(t, err)
	require.True(t, out.Accepted)

	found, err := e.ConfirmPurchase(ctx, "s1", "u1")
	require.NoError(t, err)
	require.True(t, found)

	// Working counter unchanged by confirm; durable sold moved.
	v, err := e.Available(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	s, _ := sales.GetSale(ctx, "s1")
	assert.Equal(t, 2, s.SoldUnits)

	require.Len(t, ord.orders, 1)
	assert.Equal(t, "s1", ord.orders[0].SaleID)
	assert.Equal(t, "u1", ord.orders[0].UserID)
	assert.Equal(t, 2, ord.orders[0].Qty)
	assert.Equal(t, 1999, ord.orders[0].PriceCents)

	assert.Equal(t, []string{"u1:reserved->purchased"}, ent.marks)

	// Second confirm finds no hold.
	found, err = e.ConfirmPurchase(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStats(t *testing.T) {
	sales := newFakeSales(testSale(10))
	e, _, _, _ := newEngine(t, sales)
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx, "s1", 10))

	_, err := e.Reserve(ctx, "s1", "u1", 2)
	require.NoError(t, err)
	_, err = e.Reserve(ctx, "s1", "u2", 1)
	require.NoError(t, err)
	found, err := e.ConfirmPurchase(ctx, "s1", "u2")
	require.NoError(t, err)
	require.True(t, found)

	st, err := e.Stats(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 10, Available: 7, Sold: 1, Reserved: 2}, st)
}

func TestBulkRelease(t *testing.T) {
	e, mem, _, _ := newEngine(t, newFakeSales(testSale(10)))
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx, "s1", 10))

	for _, u := range []string{"u1", "u2", "u3"} {
		out, err := e.Reserve(ctx, "s1", u, 1)
		require.NoError(t, err)
		require.True(t, out.Accepted)
	}

	released, err := e.BulkRelease(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, released)

	v, err := e.Available(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), v)

	holds, err := mem.ScanHolds(ctx, store.HoldPattern("s1"))
	require.NoError(t, err)
	assert.Empty(t, holds)
}

func TestSyncCounterReclaimsExpiredHolds(t *testing.T) {
	e, mem, _, _ := newEngine(t, newFakeSales(testSale(5)))
	ctx := context.Background()

	now := time.Now()
	mem.SetNowFunc(func() time.Time { return now })
	require.NoError(t, e.Initialize(ctx, "s1", 5))

	out, err := e.Reserve(ctx, "s1", "u1", 2)
	require.NoError(t, err)
	require.True(t, out.Accepted)
	assert.Equal(t, int64(3), out.Remaining)

	// The hold expires in the store without crediting the counter.
	now = now.Add(301 * time.Second)

	drift, err := e.SyncCounter(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), drift)

	v, err := e.Available(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	holds, err := mem.ScanHolds(ctx, store.HoldPattern("s1"))
	require.NoError(t, err)
	assert.Empty(t, holds)
}

// counterSnoopStore lets a test run code right after the counter snapshot a
// sync takes, inside the window before the repair write lands.
type counterSnoopStore struct {
	store.Store
	afterGet func()
}

func (s *counterSnoopStore) GetCounter(ctx context.Context, key string) (int64, bool, error) {
	v, ok, err := s.Store.GetCounter(ctx, key)
	if s.afterGet != nil {
		fn := s.afterGet
		s.afterGet = nil
		fn()
	}
	return v, ok, err
}

func TestSyncCounterKeepsInFlightReserve(t *testing.T) {
	mem := store.NewMemory()
	snoop := &counterSnoopStore{Store: mem}
	sales := newFakeSales(testSale(3))
	e := New(snoop, sales, &fakeOrders{}, &fakeEntries{}, 300*time.Second, zerolog.Nop())
	ctx := context.Background()

	now := time.Now()
	mem.SetNowFunc(func() time.Time { return now })
	require.NoError(t, e.Initialize(ctx, "s1", 3))

	out, err := e.Reserve(ctx, "s1", "u1", 2)
	require.NoError(t, err)
	require.True(t, out.Accepted)

	// The hold lapses without crediting the counter; sync owes 2 back.
	now = now.Add(301 * time.Second)

	// A reserve lands after sync reads the counter but before it repairs.
	snoop.afterGet = func() {
		out, err := e.Reserve(ctx, "s1", "u2", 1)
		require.NoError(t, err)
		require.True(t, out.Accepted)
	}

	drift, err := e.SyncCounter(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), drift)

	// u2's decrement survived the repair: 1 + 2 = 3 free would overstate
	// stock, the counter must read 2 with u2's hold of 1 still live.
	v, err := e.Available(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	qty, live, err := mem.HoldQty(ctx, store.HoldKey("s1", "u2"))
	require.NoError(t, err)
	require.True(t, live)
	assert.Equal(t, int64(1), qty)

	// Everything accounted for: a follow-up sync sees no drift.
	drift, err = e.SyncCounter(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, drift)
}

func TestSyncCounterNoDrift(t *testing.T) {
	e, _, _, _ := newEngine(t, newFakeSales(testSale(5)))
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx, "s1", 5))

	out, err := e.Reserve(ctx, "s1", "u1", 2)
	require.NoError(t, err)
	require.True(t, out.Accepted)

	drift, err := e.SyncCounter(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, drift)

	v, err := e.Available(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}
