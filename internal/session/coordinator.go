package session

import (
	"context"
	"fmt"
	"time"

	"custos.org/internal/audit"
	"custos.org/internal/engine"
	"custos.org/internal/gateway"
	"custos.org/internal/obs"
	"custos.org/internal/policy"
	"custos.org/internal/registry"
)

const defaultWaitTimeout = 3 * time.Second

// Coordinator serializes concurrent events so the engine always evaluates
// against a consistent snapshot. It holds one mutual-exclusion domain per
// card and per access point, and routes administrative mutations through the
// same per-card lock so no decision observes a half-applied transition. It is
// also the audit choke point for every registry/policy mutation.
type Coordinator struct {
	engine      *engine.Engine
	registry    registry.Service
	policy      *policy.Store
	trail       *audit.Trail
	hub         *gateway.Hub
	locks       *lockTable
	waitTimeout time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWaitTimeout bounds how long an event may wait for its locks.
func WithWaitTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.waitTimeout = d
		}
	}
}

// New wires the coordinator.
func New(eng *engine.Engine, reg registry.Service, pol *policy.Store, trail *audit.Trail, hub *gateway.Hub, opts ...Option) *Coordinator {
	c := &Coordinator{
		engine:      eng,
		registry:    reg,
		policy:      pol,
		trail:       trail,
		hub:         hub,
		locks:       newLockTable(),
		waitTimeout: defaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func cardKey(id string) string        { return "card:" + id }
func accessPointKey(id string) string { return "ap:" + id }

// Present admits one access event: acquire both locks, evaluate, signal the
// actuator. Once admitted, evaluation runs to completion even if the caller
// stops waiting; a decision that reached the audit trail is never discarded.
func (c *Coordinator) Present(ctx context.Context, ev engine.Event) (engine.Decision, error) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	release, err := c.locks.acquire(ctx, c.waitTimeout, cardKey(ev.CardID), accessPointKey(ev.AccessPointID))
	if err != nil {
		d, auditErr := c.engine.Fault(context.WithoutCancel(ctx), ev, "lock wait timeout")
		c.signal(d)
		if auditErr != nil {
			return d, auditErr
		}
		return d, fmt.Errorf("%w: card %s at %s", ErrTimeout, ev.CardID, ev.AccessPointID)
	}
	defer release()

	d, err := c.engine.Evaluate(context.WithoutCancel(ctx), ev)
	c.signal(d)
	return d, err
}

func (c *Coordinator) signal(d engine.Decision) {
	if c.hub == nil {
		return
	}
	c.hub.Publish(gateway.Signal{
		AccessPointID: d.Event.AccessPointID,
		Granted:       d.Granted(),
		Reason:        string(d.Reason),
		At:            d.DecidedAt,
	})
}

// IssueCard creates a card for the holder and audits the issuance.
func (c *Coordinator) IssueCard(ctx context.Context, holderID string, validFrom, validUntil time.Time, actor string) (registry.Card, error) {
	card, err := c.registry.Issue(ctx, holderID, validFrom, validUntil)
	if err != nil {
		return registry.Card{}, err
	}
	if _, err := c.trail.Append(ctx, audit.Entry{
		Kind:    audit.KindLifecycle,
		At:      card.IssuedAt,
		CardID:  card.ID,
		Actor:   actor,
		ToState: string(registry.StateIssued),
	}); err != nil {
		obs.Alarm("lifecycle audit append failed", map[string]any{
			"card_id": card.ID, "error": err.Error(),
		})
		return card, err
	}
	return card, nil
}

// TransitionCard applies a lifecycle transition under the per-card lock and
// audits every applied transition, side suspensions included, as separate
// records.
func (c *Coordinator) TransitionCard(ctx context.Context, cardID string, target registry.LifecycleState, actor string) ([]registry.Transition, error) {
	release, err := c.locks.acquire(ctx, c.waitTimeout, cardKey(cardID))
	if err != nil {
		return nil, err
	}
	defer release()

	applied, err := c.registry.Transition(ctx, cardID, target, actor)
	if err != nil {
		return nil, err
	}
	return applied, c.auditTransitions(ctx, applied)
}

// RenewCard extends a card's validity window under the per-card lock.
func (c *Coordinator) RenewCard(ctx context.Context, cardID string, validUntil time.Time, actor string) (registry.Card, error) {
	release, err := c.locks.acquire(ctx, c.waitTimeout, cardKey(cardID))
	if err != nil {
		return registry.Card{}, err
	}
	defer release()

	card, err := c.registry.Renew(ctx, cardID, validUntil, actor)
	if err != nil {
		return registry.Card{}, err
	}
	if _, err := c.trail.Append(ctx, audit.Entry{
		Kind:    audit.KindLifecycle,
		At:      time.Now().UTC(),
		CardID:  card.ID,
		Actor:   actor,
		Detail:  "renewed until " + card.ValidUntil.Format(time.RFC3339),
		ToState: string(card.State),
	}); err != nil {
		return card, err
	}
	return card, nil
}

// GrantPermission writes a policy grant and audits it.
func (c *Coordinator) GrantPermission(ctx context.Context, principal, accessPointID string, windows []policy.Window, actor string) error {
	if err := c.policy.Grant(ctx, principal, accessPointID, windows); err != nil {
		return err
	}
	_, err := c.trail.Append(ctx, audit.Entry{
		Kind:          audit.KindPermissionChange,
		At:            time.Now().UTC(),
		AccessPointID: accessPointID,
		Principal:     principal,
		Actor:         actor,
		Detail:        "grant",
	})
	return err
}

// RevokePermission removes a policy grant and audits it.
func (c *Coordinator) RevokePermission(ctx context.Context, principal, accessPointID, actor string) error {
	if err := c.policy.RevokePermission(ctx, principal, accessPointID); err != nil {
		return err
	}
	_, err := c.trail.Append(ctx, audit.Entry{
		Kind:          audit.KindPermissionChange,
		At:            time.Now().UTC(),
		AccessPointID: accessPointID,
		Principal:     principal,
		Actor:         actor,
		Detail:        "revoke",
	})
	return err
}

// RunSweeper periodically expires stale cards and audits each expiry, until
// the context ends.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			applied, err := c.registry.Sweep(ctx, now.UTC())
			if err != nil {
				obs.Alarm("card sweep failed", map[string]any{"error": err.Error()})
			}
			if err := c.auditTransitions(ctx, applied); err != nil {
				obs.Alarm("sweep audit append failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

func (c *Coordinator) auditTransitions(ctx context.Context, applied []registry.Transition) error {
	for _, tr := range applied {
		detail := ""
		if tr.Auto {
			detail = "auto"
		}
		if _, err := c.trail.Append(ctx, audit.Entry{
			Kind:      audit.KindLifecycle,
			At:        tr.At,
			CardID:    tr.CardID,
			Actor:     tr.Actor,
			FromState: string(tr.From),
			ToState:   string(tr.To),
			Detail:    detail,
		}); err != nil {
			obs.Alarm("lifecycle audit append failed", map[string]any{
				"card_id": tr.CardID, "error": err.Error(),
			})
			return err
		}
	}
	return nil
}
