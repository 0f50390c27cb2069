package sale

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dropkit/flashsale/internal/clock"
)

// Repository is the durable-store surface the machine needs.
type Repository interface {
	GetSale(ctx context.Context, id string) (Sale, error)
	// UpdateStatus persists to, guarded by WHERE status = from; reports
	// whether a row changed.
	UpdateStatus(ctx context.Context, id string, from, to Status) (bool, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]Sale, error)
}

// Hook observes a transition. Before-hooks run after validation and before
// the write; after-hooks run once the new status is persisted. Hook errors
// are logged, never fatal; the hooks are a side-effect extension point
// (cache busting, notifications), not part of the transition's correctness.
type Hook func(ctx context.Context, s Sale, from, to Status)

type TransitionResult struct {
	SaleID        string `json:"sale_id"`
	PreviousState Status `json:"previous_state"`
	NewState      Status `json:"new_state"`
}

// Machine owns valid sale-status transitions.
type Machine struct {
	repo   Repository
	clock  clock.Clock
	before []Hook
	after  []Hook
	log    zerolog.Logger
}

func NewMachine(repo Repository, clk clock.Clock, log zerolog.Logger) *Machine {
	return &Machine{repo: repo, clock: clk, log: log.With().Str("component", "sale_machine").Logger()}
}

// OnBefore registers a hook invoked before the status write.
func (m *Machine) OnBefore(h Hook) { m.before = append(m.before, h) }

// OnAfter registers a hook invoked after the status write.
func (m *Machine) OnAfter(h Hook) { m.after = append(m.after, h) }

// Transition validates the guard table against the loaded sale and persists
// the new status. Guarded transitions re-check wall-clock time; manual
// cancellation has no guard.
func (m *Machine) Transition(ctx context.Context, saleID string, to Status) (TransitionResult, error) {
	s, err := m.repo.GetSale(ctx, saleID)
	if err != nil {
		return TransitionResult{}, err
	}
	from := s.Status
	if !CanTransitionAt(from, to, s, m.clock.Now()) {
		return TransitionResult{}, &InvalidTransitionError{From: from, To: to}
	}

	for _, h := range m.before {
		h(ctx, s, from, to)
	}

	ok, err := m.repo.UpdateStatus(ctx, saleID, from, to)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("update sale status: %w", err)
	}
	if !ok {
		// Lost a race with another instance; the current state moved.
		cur, err := m.repo.GetSale(ctx, saleID)
		if err != nil {
			return TransitionResult{}, err
		}
		return TransitionResult{}, &InvalidTransitionError{From: cur.Status, To: to}
	}

	s.Status = to
	for _, h := range m.after {
		h(ctx, s, from, to)
	}
	m.log.Info().Str("sale_id", saleID).Str("from", string(from)).Str("to", string(to)).Msg("sale transitioned")

	return TransitionResult{SaleID: saleID, PreviousState: from, NewState: to}, nil
}

// SweepResult summarises one automatic-transition pass.
type SweepResult struct {
	Activated []string
	Completed []string
	Failed    map[string]error
}

// ApplyAutomaticTransitions loads upcoming and active sales, partitions them
// by which guard they satisfy, and applies each transition independently so
// one failure does not block the rest.
func (m *Machine) ApplyAutomaticTransitions(ctx context.Context) (SweepResult, error) {
	sales, err := m.repo.ListByStatus(ctx, StatusUpcoming, StatusActive)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list sales: %w", err)
	}

	res := SweepResult{Failed: map[string]error{}}
	now := m.clock.Now()
	for _, s := range sales {
		to, due := AutoTransition(s, now)
		if !due {
			continue
		}
		if _, err := m.Transition(ctx, s.ID, to); err != nil {
			res.Failed[s.ID] = err
			m.log.Warn().Err(err).Str("sale_id", s.ID).Str("to", string(to)).Msg("automatic transition failed")
			continue
		}
		switch to {
		case StatusActive:
			res.Activated = append(res.Activated, s.ID)
		case StatusCompleted:
			res.Completed = append(res.Completed, s.ID)
		}
	}
	return res, nil
}
