package sale

import "time"

var validNext = map[Status]map[Status]bool{
	StatusUpcoming:  {StatusActive: true, StatusCancelled: true},
	StatusActive:    {StatusCompleted: true, StatusCancelled: true},
	StatusCompleted: {},
	StatusCancelled: {},
}

// CanTransition checks table membership only.
func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// CanTransitionAt additionally evaluates the wall-clock guards against the
// sale. Cancellation is manual only and has no guard.
func CanTransitionAt(from, to Status, s Sale, now time.Time) bool {
	if !CanTransition(from, to) {
		return false
	}
	switch {
	case from == StatusUpcoming && to == StatusActive:
		return !now.Before(s.StartsAt) && now.Before(s.EndsAt)
	case from == StatusActive && to == StatusCompleted:
		return !now.Before(s.EndsAt)
	}
	return true
}

// AutoTransition reports the transition a sale is due for at now, if any.
func AutoTransition(s Sale, now time.Time) (Status, bool) {
	switch s.Status {
	case StatusUpcoming:
		if CanTransitionAt(StatusUpcoming, StatusActive, s, now) {
			return StatusActive, true
		}
	case StatusActive:
		if CanTransitionAt(StatusActive, StatusCompleted, s, now) {
			return StatusCompleted, true
		}
	}
	return "", false
}
