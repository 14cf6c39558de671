package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"custos.org/internal/ids"
)

// Service defines card registry operations. Reads may run concurrently;
// mutations on one card are serialized by the implementation (and by the
// session coordinator's per-card lock above it).
type Service interface {
	AddCardholder(ctx context.Context, name string, groups []string) (Cardholder, error)
	Holder(ctx context.Context, holderID string) (Cardholder, error)
	Issue(ctx context.Context, holderID string, validFrom, validUntil time.Time) (Card, error)
	Lookup(ctx context.Context, cardID string) (Card, error)
	Transition(ctx context.Context, cardID string, target LifecycleState, actor string) ([]Transition, error)
	Renew(ctx context.Context, cardID string, validUntil time.Time, actor string) (Card, error)
	Sweep(ctx context.Context, now time.Time) ([]Transition, error)
	MarkUsed(ctx context.Context, cardID string, at time.Time) error
}

// Persister receives write-through copies of mutated records. Implementations
// must be idempotent on card id.
type Persister interface {
	SaveCard(ctx context.Context, card Card) error
	SaveCardholder(ctx context.Context, holder Cardholder) error
}

// InMemory implements Service with in-process concurrency safety. A Persister
// may be attached for durable write-through (PostgreSQL in production).
type InMemory struct {
	mu      sync.RWMutex
	cards   map[string]*Card
	holders map[string]*Cardholder
	persist Persister
	now     func() time.Time
}

// NewInMemory creates an empty registry.
func NewInMemory() *InMemory {
	return &InMemory{
		cards:   make(map[string]*Card),
		holders: make(map[string]*Cardholder),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithPersister attaches durable write-through storage.
func (s *InMemory) WithPersister(p Persister) *InMemory {
	s.persist = p
	return s
}

func (s *InMemory) AddCardholder(ctx context.Context, name string, groups []string) (Cardholder, error) {
	if name == "" {
		return Cardholder{}, fmt.Errorf("%w: cardholder name is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	h := &Cardholder{
		ID:        ids.New(),
		Name:      name,
		Groups:    append([]string(nil), groups...),
		CreatedAt: s.now(),
	}
	s.holders[h.ID] = h
	if s.persist != nil {
		if err := s.persist.SaveCardholder(ctx, *h); err != nil {
			delete(s.holders, h.ID)
			return Cardholder{}, err
		}
	}
	return *h, nil
}

func (s *InMemory) Holder(ctx context.Context, holderID string) (Cardholder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.holders[holderID]
	if !ok {
		return Cardholder{}, ErrHolderNotFound
	}
	out := *h
	out.Groups = append([]string(nil), h.Groups...)
	return out, nil
}

func (s *InMemory) Issue(ctx context.Context, holderID string, validFrom, validUntil time.Time) (Card, error) {
	if !validUntil.After(validFrom) {
		return Card{}, fmt.Errorf("%w: valid_until must be after valid_from", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.holders[holderID]; !ok {
		return Card{}, ErrHolderNotFound
	}
	c := &Card{
		ID:           ids.New(),
		CardholderID: holderID,
		State:        StateIssued,
		ValidFrom:    validFrom.UTC(),
		ValidUntil:   validUntil.UTC(),
		IssuedAt:     s.now(),
	}
	s.cards[c.ID] = c
	if s.persist != nil {
		if err := s.persist.SaveCard(ctx, *c); err != nil {
			delete(s.cards, c.ID)
			return Card{}, err
		}
	}
	return *c, nil
}

// Lookup returns the card with its effective state. A card whose validity
// window has passed is expired lazily here, so the decision path never
// observes a stale Active state between sweeps.
func (s *InMemory) Lookup(ctx context.Context, cardID string) (Card, error) {
	s.mu.RLock()
	c, ok := s.cards[cardID]
	if !ok {
		s.mu.RUnlock()
		return Card{}, ErrNotFound
	}
	if c.State != StateActive || !s.now().After(c.ValidUntil) {
		out := *c
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok = s.cards[cardID]
	if !ok {
		return Card{}, ErrNotFound
	}
	if c.State == StateActive && s.now().After(c.ValidUntil) {
		c.State = StateExpired
		if s.persist != nil {
			if err := s.persist.SaveCard(ctx, *c); err != nil {
				return Card{}, err
			}
		}
	}
	return *c, nil
}

// Transition validates and applies a state change. Activating a card
// auto-suspends any other Active card of the same cardholder; the side
// transition is returned first so it is audited before the requested one.
func (s *InMemory) Transition(ctx context.Context, cardID string, target LifecycleState, actor string) ([]Transition, error) {
	if !target.valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidInput, target)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cards[cardID]
	if !ok {
		return nil, ErrNotFound
	}
	if !transitionAllowed(c.State, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, target)
	}

	now := s.now()
	var applied []Transition

	if target == StateActive {
		// Single active card per cardholder: suspend the sibling first.
		for _, other := range s.cards {
			if other.ID == c.ID || other.CardholderID != c.CardholderID || other.State != StateActive {
				continue
			}
			prev := other.State
			other.State = StateSuspended
			if s.persist != nil {
				if err := s.persist.SaveCard(ctx, *other); err != nil {
					other.State = prev
					return nil, err
				}
			}
			applied = append(applied, Transition{
				CardID: other.ID, From: prev, To: StateSuspended,
				Actor: actor, At: now, Auto: true,
			})
		}
	}

	from := c.State
	c.State = target
	if s.persist != nil {
		if err := s.persist.SaveCard(ctx, *c); err != nil {
			c.State = from
			return nil, err
		}
	}
	applied = append(applied, Transition{
		CardID: c.ID, From: from, To: target, Actor: actor, At: now,
	})
	return applied, nil
}

// Renew extends the validity window of a non-terminal card.
func (s *InMemory) Renew(ctx context.Context, cardID string, validUntil time.Time, actor string) (Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cards[cardID]
	if !ok {
		return Card{}, ErrNotFound
	}
	if c.State.Terminal() {
		return Card{}, fmt.Errorf("%w: cannot renew %s card", ErrInvalidTransition, c.State)
	}
	if !validUntil.After(s.now()) {
		return Card{}, fmt.Errorf("%w: valid_until must be in the future", ErrInvalidInput)
	}
	prev := c.ValidUntil
	c.ValidUntil = validUntil.UTC()
	if s.persist != nil {
		if err := s.persist.SaveCard(ctx, *c); err != nil {
			c.ValidUntil = prev
			return Card{}, err
		}
	}
	return *c, nil
}

// Sweep expires every Active card whose window has passed and returns the
// applied transitions for auditing.
func (s *InMemory) Sweep(ctx context.Context, now time.Time) ([]Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var applied []Transition
	for _, c := range s.cards {
		if c.State != StateActive || !now.After(c.ValidUntil) {
			continue
		}
		c.State = StateExpired
		if s.persist != nil {
			if err := s.persist.SaveCard(ctx, *c); err != nil {
				return applied, err
			}
		}
		applied = append(applied, Transition{
			CardID: c.ID, From: StateActive, To: StateExpired,
			Actor: "sweep", At: now, Auto: true,
		})
	}
	return applied, nil
}

// MarkUsed records the last granted use of a card. Missing cards are ignored:
// the decision that triggered the mark has already been audited.
func (s *InMemory) MarkUsed(ctx context.Context, cardID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		return nil
	}
	c.LastUsedAt = at.UTC()
	if s.persist != nil {
		return s.persist.SaveCard(ctx, *c)
	}
	return nil
}
