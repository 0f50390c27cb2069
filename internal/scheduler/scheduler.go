package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dropkit/flashsale/internal/metrics"
)

// JobFunc is one reconciliation pass. It must be idempotent; a failed or
// skipped run is made up for by the next tick.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	run      JobFunc

	running  atomic.Bool
	runs     atomic.Uint64
	failures atomic.Uint64
	skipped  atomic.Uint64
	lastRun  atomic.Int64 // unix millis
}

// JobStatus is a point-in-time snapshot of one job.
type JobStatus struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	LastRun  time.Time     `json:"last_run"`
	Runs     uint64        `json:"runs"`
	Failures uint64        `json:"failures"`
	Skipped  uint64        `json:"skipped"`
}

// Status reports the scheduler and its jobs.
type Status struct {
	IsRunning bool        `json:"is_running"`
	Jobs      []JobStatus `json:"jobs"`
}

// Scheduler drives a fixed set of named recurring jobs. It is an explicit
// object owned by the composition root, not a package global. Each job ticks
// independently; a tick still running when the next fires is skipped, not
// stacked, and one job's failure or panic never stops the others.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []*job
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	log     zerolog.Logger
}

func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{log: log.With().Str("component", "scheduler").Logger()}
}

// Register adds a named job. Registration after Start is a programming error.
func (s *Scheduler) Register(name string, interval time.Duration, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("scheduler: Register after Start")
	}
	s.jobs = append(s.jobs, &job{name: name, interval: interval, run: fn})
}

// Start launches one ticker goroutine per job. Calling it twice does not
// double-schedule.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true

	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.log.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")
}

// Stop cancels all pending ticks and waits for in-flight runs. Safe to call
// when not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{IsRunning: s.started}
	for _, j := range s.jobs {
		js := JobStatus{
			Name:     j.name,
			Interval: j.interval,
			Runs:     j.runs.Load(),
			Failures: j.failures.Load(),
			Skipped:  j.skipped.Load(),
		}
		if ms := j.lastRun.Load(); ms != 0 {
			js.LastRun = time.UnixMilli(ms).UTC()
		}
		st.Jobs = append(st.Jobs, js)
	}
	return st
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !j.running.CompareAndSwap(false, true) {
				j.skipped.Add(1)
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer j.running.Store(false)
				s.runOnce(ctx, j)
			}()
		}
	}
}

// TriggerNow runs a named job synchronously, outside its schedule. Used by
// tests and manual reconciliation.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var target *job
	for _, j := range s.jobs {
		if j.name == name {
			target = j
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return fmt.Errorf("unknown job %q", name)
	}
	if !target.running.CompareAndSwap(false, true) {
		return fmt.Errorf("job %q already running", name)
	}
	defer target.running.Store(false)
	return s.runOnce(ctx, target)
}

func (s *Scheduler) runOnce(ctx context.Context, j *job) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %q panicked: %v", j.name, r)
		}
		j.runs.Add(1)
		j.lastRun.Store(time.Now().UnixMilli())
		result := "ok"
		if err != nil {
			result = "error"
			j.failures.Add(1)
			s.log.Error().Err(err).Str("job", j.name).Msg("reconciliation job failed")
		}
		metrics.JobRun(j.name, result, time.Since(start))
	}()
	return j.run(ctx)
}
