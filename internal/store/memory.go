package store

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

// Memory is a single-process Store for unit tests. One mutex covers every
// operation, which makes each multi-step primitive trivially indivisible —
// the same contract the Lua scripts give the Redis implementation.
type Memory struct {
	mu       sync.Mutex
	counters map[string]int64
	holds    map[string]memHold
	zsets    map[string]*memZSet
	now      func() time.Time
}

type memHold struct {
	qty       int64
	expiresAt time.Time
}

type memZSet struct {
	scores map[string]float64
	seq    map[string]int64
	next   int64
}

func NewMemory() *Memory {
	return &Memory{
		counters: make(map[string]int64),
		holds:    make(map[string]memHold),
		zsets:    make(map[string]*memZSet),
		now:      time.Now,
	}
}

// SetNowFunc replaces the time source, so tests can cross hold TTLs without
// sleeping.
func (m *Memory) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) GetCounter(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.counters[key]
	return v, ok, nil
}

func (m *Memory) SetCounter(_ context.Context, key string, val int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key] = val
	return nil
}

func (m *Memory) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key] += delta
	return m.counters[key], nil
}

func (m *Memory) Reserve(_ context.Context, counterKey, holdKey string, qty int64, ttl time.Duration) (ReserveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, live := m.liveHold(holdKey); live {
		return ReserveResult{Code: ReserveDuplicate}, nil
	}
	stock, ok := m.counters[counterKey]
	if !ok {
		return ReserveResult{Code: ReserveNoCounter}, nil
	}
	if stock < qty {
		return ReserveResult{Code: ReserveSoldOut, Remaining: stock}, nil
	}
	m.counters[counterKey] = stock - qty
	m.holds[holdKey] = memHold{qty: qty, expiresAt: m.now().Add(ttl)}
	return ReserveResult{Code: ReserveAccepted, Remaining: stock - qty}, nil
}

func (m *Memory) TakeHold(_ context.Context, counterKey, holdKey string, refund bool) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, live := m.liveHold(holdKey)
	if !live {
		return 0, false, nil
	}
	delete(m.holds, holdKey)
	if refund {
		m.counters[counterKey] += h.qty
	}
	return h.qty, true, nil
}

func (m *Memory) HoldQty(_ context.Context, holdKey string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, live := m.liveHold(holdKey)
	if !live {
		return 0, false, nil
	}
	return h.qty, true, nil
}

func (m *Memory) ScanHolds(_ context.Context, pattern string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int64{}
	for k := range m.holds {
		if ok, _ := path.Match(pattern, k); !ok {
			continue
		}
		if h, live := m.liveHold(k); live {
			out[k] = h.qty
		}
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := m.counters[k]; ok {
			delete(m.counters, k)
			n++
		}
		if _, ok := m.holds[k]; ok {
			delete(m.holds, k)
			n++
		}
		if _, ok := m.zsets[k]; ok {
			delete(m.zsets, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ZAddNX(_ context.Context, key, member string, score float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zset(key)
	if _, ok := z.scores[member]; ok {
		return false, nil
	}
	z.scores[member] = score
	z.seq[member] = z.next
	z.next++
	return true, nil
}

func (m *Memory) ZRank(_ context.Context, key, member string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		return 0, false, nil
	}
	if _, ok := z.scores[member]; !ok {
		return 0, false, nil
	}
	for i, mem := range z.sorted() {
		if mem.ID == member {
			return int64(i), true, nil
		}
	}
	return 0, false, nil
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		return 0, nil
	}
	return int64(len(z.scores)), nil
}

func (m *Memory) ZRem(_ context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, member := range members {
		if _, ok := z.scores[member]; ok {
			delete(z.scores, member)
			delete(z.seq, member)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ZPopMin(_ context.Context, key string, n int64) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		return nil, nil
	}
	sorted := z.sorted()
	if int64(len(sorted)) > n {
		sorted = sorted[:n]
	}
	for _, mem := range sorted {
		delete(z.scores, mem.ID)
		delete(z.seq, mem.ID)
	}
	return sorted, nil
}

func (m *Memory) ZScore(_ context.Context, key, member string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		return 0, false, nil
	}
	s, ok := z.scores[member]
	return s, ok, nil
}

// liveHold must be called with the mutex held; it lazily evicts expired
// holds the way Redis TTLs do.
func (m *Memory) liveHold(key string) (memHold, bool) {
	h, ok := m.holds[key]
	if !ok {
		return memHold{}, false
	}
	if !m.now().Before(h.expiresAt) {
		delete(m.holds, key)
		return memHold{}, false
	}
	return h, true
}

func (m *Memory) zset(key string) *memZSet {
	z, ok := m.zsets[key]
	if !ok {
		z = &memZSet{scores: make(map[string]float64), seq: make(map[string]int64)}
		m.zsets[key] = z
	}
	return z
}

// sorted returns members by ascending score, insertion order on ties.
func (z *memZSet) sorted() []Member {
	out := make([]Member, 0, len(z.scores))
	for member, score := range z.scores {
		out = append(out, Member{ID: member, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return z.seq[out[i].ID] < z.seq[out[j].ID]
	})
	return out
}
