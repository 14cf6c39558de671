package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custos.org/internal/audit"
	"custos.org/internal/ids"
	"custos.org/internal/obs"
	"custos.org/internal/policy"
	"custos.org/internal/registry"
)

// Outcome is what the actuator sees: grant or deny, nothing else.
type Outcome string

const (
	OutcomeGranted Outcome = "granted"
	OutcomeDenied  Outcome = "denied"
)

// Reason is the closed set of decision reason codes.
type Reason string

const (
	ReasonOK              Reason = "ok"
	ReasonUnknownCard     Reason = "unknown_card"
	ReasonCardSuspended   Reason = "card_suspended"
	ReasonCardRevoked     Reason = "card_revoked"
	ReasonCardExpired     Reason = "card_expired"
	ReasonCardNotYetValid Reason = "card_not_yet_valid"
	ReasonNotAuthorized   Reason = "not_authorized"
	ReasonSystemFault     Reason = "system_fault"
)

// ErrAuditUnavailable marks decisions that could not be durably logged. The
// caller must fail closed and surface an alarm.
var ErrAuditUnavailable = errors.New("engine: audit unavailable")

// Event is one presented credential. Ephemeral: it exists only for the
// duration of one decision.
type Event struct {
	CardID        string    `json:"card_id"`
	AccessPointID string    `json:"access_point_id"`
	At            time.Time `json:"at"`
	Direction     string    `json:"direction,omitempty"` // "in" or "out"
}

// Decision is the immutable outcome of evaluating one Event. Sequence is the
// audit record's sequence number once the append is acknowledged.
type Decision struct {
	ID        string    `json:"id"`
	Outcome   Outcome   `json:"outcome"`
	Reason    Reason    `json:"reason"`
	Detail    string    `json:"detail,omitempty"`
	Event     Event     `json:"event"`
	Sequence  uint64    `json:"sequence,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Granted reports whether the actuator should open.
func (d Decision) Granted() bool { return d.Outcome == OutcomeGranted }

// Engine evaluates access events against the registry and policy snapshot the
// session coordinator admits it under. Denial is a normal Decision, never a
// Go error; errors are operational only.
type Engine struct {
	registry registry.Service
	policy   *policy.Store
	trail    *audit.Trail
	now      func() time.Time
}

// New wires the engine to its collaborators.
func New(reg registry.Service, pol *policy.Store, trail *audit.Trail) *Engine {
	return &Engine{
		registry: reg,
		policy:   pol,
		trail:    trail,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate produces exactly one Decision for the event and appends it to the
// audit trail before returning. If the append cannot be made durable the
// decision degrades to Denied/system_fault and ErrAuditUnavailable is
// returned alongside it: audit integrity outranks availability.
func (e *Engine) Evaluate(ctx context.Context, ev Event) (Decision, error) {
	d := e.decide(ctx, ev)

	rec, err := e.trail.Append(ctx, decisionEntry(d))
	if err != nil {
		fault := Decision{
			ID:        ids.New(),
			Outcome:   OutcomeDenied,
			Reason:    ReasonSystemFault,
			Detail:    "audit append failed",
			Event:     ev,
			DecidedAt: e.now(),
		}
		obs.ObserveDecision(string(fault.Outcome), string(fault.Reason))
		obs.Alarm("audit unavailable, failing closed", map[string]any{
			"card_id":         ev.CardID,
			"access_point_id": ev.AccessPointID,
			"error":           err.Error(),
		})
		return fault, fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
	}
	d.Sequence = rec.Sequence

	if d.Granted() {
		if err := e.registry.MarkUsed(ctx, ev.CardID, ev.At); err != nil {
			// The decision is already durable; a failed usage mark must not
			// retract it.
			obs.Alarm("mark card used failed", map[string]any{
				"card_id": ev.CardID,
				"error":   err.Error(),
			})
		}
	}
	obs.ObserveDecision(string(d.Outcome), string(d.Reason))
	return d, nil
}

// Fault records a fail-closed denial for an event that never reached
// evaluation (lock wait timeout). It is still audited: a denial that leaves
// no trace is indistinguishable from a dropped event.
func (e *Engine) Fault(ctx context.Context, ev Event, detail string) (Decision, error) {
	d := Decision{
		ID:        ids.New(),
		Outcome:   OutcomeDenied,
		Reason:    ReasonSystemFault,
		Detail:    detail,
		Event:     ev,
		DecidedAt: e.now(),
	}
	rec, err := e.trail.Append(ctx, decisionEntry(d))
	if err != nil {
		obs.ObserveDecision(string(d.Outcome), string(d.Reason))
		obs.Alarm("audit unavailable for fault record", map[string]any{
			"card_id": ev.CardID,
			"detail":  detail,
			"error":   err.Error(),
		})
		return d, fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
	}
	d.Sequence = rec.Sequence
	obs.ObserveDecision(string(d.Outcome), string(d.Reason))
	return d, nil
}

// decide applies the rules in order; the first matching rule wins and every
// branch produces exactly one Decision.
func (e *Engine) decide(ctx context.Context, ev Event) Decision {
	d := Decision{
		ID:        ids.New(),
		Event:     ev,
		DecidedAt: e.now(),
	}

	card, err := e.registry.Lookup(ctx, ev.CardID)
	if err != nil {
		d.Outcome = OutcomeDenied
		d.Reason = ReasonUnknownCard
		return d
	}

	if card.State != registry.StateActive {
		d.Outcome = OutcomeDenied
		switch card.State {
		case registry.StateSuspended:
			d.Reason = ReasonCardSuspended
		case registry.StateRevoked:
			d.Reason = ReasonCardRevoked
		case registry.StateExpired:
			d.Reason = ReasonCardExpired
		default: // issued, not yet activated
			d.Reason = ReasonCardNotYetValid
		}
		return d
	}

	if ev.At.Before(card.ValidFrom) {
		d.Outcome = OutcomeDenied
		d.Reason = ReasonCardNotYetValid
		return d
	}
	if ev.At.After(card.ValidUntil) {
		d.Outcome = OutcomeDenied
		d.Reason = ReasonCardExpired
		return d
	}

	principals := []string{policy.CardPrincipal(card.ID)}
	if holder, err := e.registry.Holder(ctx, card.CardholderID); err == nil {
		for _, g := range holder.Groups {
			principals = append(principals, policy.GroupPrincipal(g))
		}
	}
	if !e.policy.Covered(principals, ev.AccessPointID, ev.At) {
		d.Outcome = OutcomeDenied
		d.Reason = ReasonNotAuthorized
		return d
	}

	d.Outcome = OutcomeGranted
	d.Reason = ReasonOK
	return d
}

func decisionEntry(d Decision) audit.Entry {
	return audit.Entry{
		Kind:          audit.KindAccessDecision,
		At:            d.Event.At,
		CardID:        d.Event.CardID,
		AccessPointID: d.Event.AccessPointID,
		Direction:     d.Event.Direction,
		Outcome:       string(d.Outcome),
		Reason:        string(d.Reason),
		Detail:        d.Detail,
	}
}
