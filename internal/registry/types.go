package registry

import (
	"errors"
	"time"
)

// LifecycleState is the closed set of card states. Revoked and Expired are
// terminal: no transition leaves them.
type LifecycleState string

const (
	StateIssued    LifecycleState = "issued"
	StateActive    LifecycleState = "active"
	StateSuspended LifecycleState = "suspended"
	StateRevoked   LifecycleState = "revoked"
	StateExpired   LifecycleState = "expired"
)

// Terminal reports whether no transition may leave the state.
func (s LifecycleState) Terminal() bool {
	return s == StateRevoked || s == StateExpired
}

func (s LifecycleState) valid() bool {
	switch s {
	case StateIssued, StateActive, StateSuspended, StateRevoked, StateExpired:
		return true
	}
	return false
}

// legal enumerates every permitted transition. Expiry is time-driven but
// still goes through the same table.
var legal = map[LifecycleState][]LifecycleState{
	StateIssued:    {StateActive},
	StateActive:    {StateSuspended, StateRevoked, StateExpired},
	StateSuspended: {StateActive, StateRevoked},
}

func transitionAllowed(from, to LifecycleState) bool {
	for _, t := range legal[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Card is a credential presented at an access point. The identifier is
// immutable; only State, ValidUntil and LastUsedAt change after issuance.
type Card struct {
	ID           string         `json:"id"`
	CardholderID string         `json:"cardholder_id"`
	State        LifecycleState `json:"state"`
	ValidFrom    time.Time      `json:"valid_from"`
	ValidUntil   time.Time      `json:"valid_until"`
	IssuedAt     time.Time      `json:"issued_at"`
	LastUsedAt   time.Time      `json:"last_used_at,omitempty"`
}

// Cardholder is the person associated with one or more cards. Groups are
// policy principals ("group:<name>").
type Cardholder struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Groups    []string  `json:"groups,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Transition describes one applied state change. Auto marks side transitions
// produced by single-active enforcement; callers must audit them separately
// from the requested one.
type Transition struct {
	CardID string         `json:"card_id"`
	From   LifecycleState `json:"from"`
	To     LifecycleState `json:"to"`
	Actor  string         `json:"actor"`
	At     time.Time      `json:"at"`
	Auto   bool           `json:"auto,omitempty"`
}

var (
	ErrNotFound          = errors.New("registry: card not found")
	ErrHolderNotFound    = errors.New("registry: cardholder not found")
	ErrInvalidTransition = errors.New("registry: invalid transition")
	ErrInvalidInput      = errors.New("registry: invalid input")
)
