package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"custos.org/internal/audit"
	"custos.org/internal/policy"
	"custos.org/internal/registry"
)

type fixture struct {
	registry *registry.InMemory
	policy   *policy.Store
	store    *audit.MemoryStore
	trail    *audit.Trail
	engine   *Engine
	holder   registry.Cardholder
	card     registry.Card
	door     policy.AccessPoint
}

// newFixture sets up an active card with a 09:00-17:00 grant at door-1.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	reg := registry.NewInMemory()
	pol := policy.NewStore()
	store := audit.NewMemoryStore()
	trail, err := audit.New(ctx, store, audit.WithRetry(2, time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	holder, err := reg.AddCardholder(ctx, "Aruzhan Bekova", []string{"staff"})
	if err != nil {
		t.Fatal(err)
	}
	card, err := reg.Issue(ctx, holder.ID, time.Now().Add(-48*time.Hour), time.Now().Add(48*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Transition(ctx, card.ID, registry.StateActive, "test"); err != nil {
		t.Fatal(err)
	}

	door := policy.AccessPoint{ID: "door-1", Name: "Main entrance", Level: policy.LevelLow}
	if err := pol.AddAccessPoint(door); err != nil {
		t.Fatal(err)
	}
	w, err := policy.ParseWindow("09:00-17:00")
	if err != nil {
		t.Fatal(err)
	}
	if err := pol.Grant(ctx, policy.CardPrincipal(card.ID), door.ID, []policy.Window{w}); err != nil {
		t.Fatal(err)
	}

	return &fixture{
		registry: reg,
		policy:   pol,
		store:    store,
		trail:    trail,
		engine:   New(reg, pol, trail),
		holder:   holder,
		card:     card,
		door:     door,
	}
}

func at(hour int) time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
}

func (f *fixture) event(hour int) Event {
	return Event{CardID: f.card.ID, AccessPointID: f.door.ID, At: at(hour), Direction: "in"}
}

func TestGrantedInsideWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before := f.trail.Head()
	d, err := f.engine.Evaluate(ctx, f.event(10))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Granted() || d.Reason != ReasonOK {
		t.Fatalf("expected granted/ok, got %s/%s", d.Outcome, d.Reason)
	}
	if d.Sequence != before+1 {
		t.Fatalf("sequence = %d, want %d", d.Sequence, before+1)
	}
	if err := f.trail.Verify(ctx, 0, 0); err != nil {
		t.Fatalf("verify: %v", err)
	}

	card, _ := f.registry.Lookup(ctx, f.card.ID)
	if !card.LastUsedAt.Equal(at(10)) {
		t.Fatalf("last used not marked: %v", card.LastUsedAt)
	}
}

func TestDeniedOutsideWindow(t *testing.T) {
	f := newFixture(t)
	d, err := f.engine.Evaluate(context.Background(), f.event(20))
	if err != nil {
		t.Fatal(err)
	}
	if d.Granted() || d.Reason != ReasonNotAuthorized {
		t.Fatalf("expected denied/not_authorized, got %s/%s", d.Outcome, d.Reason)
	}
}

func TestUnknownCardDenied(t *testing.T) {
	f := newFixture(t)
	d, err := f.engine.Evaluate(context.Background(), Event{
		CardID: "no-such-card", AccessPointID: f.door.ID, At: at(10),
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.Reason != ReasonUnknownCard {
		t.Fatalf("expected unknown_card, got %s", d.Reason)
	}
}

func TestLifecycleReasonsMirrorState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		target registry.LifecycleState
		reason Reason
	}{
		{registry.StateSuspended, ReasonCardSuspended},
		{registry.StateRevoked, ReasonCardRevoked},
	}
	for _, tc := range cases {
		if _, err := f.registry.Transition(ctx, f.card.ID, tc.target, "test"); err != nil {
			t.Fatalf("transition to %s: %v", tc.target, err)
		}
		d, err := f.engine.Evaluate(ctx, f.event(10))
		if err != nil {
			t.Fatal(err)
		}
		if d.Granted() || d.Reason != tc.reason {
			t.Fatalf("state %s: expected %s, got %s/%s", tc.target, tc.reason, d.Outcome, d.Reason)
		}
		// Every denial is still audited.
		if d.Sequence == 0 {
			t.Fatal("denial missing audit sequence")
		}
	}
}

func TestIssuedCardNotYetValid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fresh, err := f.registry.Issue(ctx, f.holder.ID, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	d, err := f.engine.Evaluate(ctx, Event{CardID: fresh.ID, AccessPointID: f.door.ID, At: at(10)})
	if err != nil {
		t.Fatal(err)
	}
	if d.Reason != ReasonCardNotYetValid {
		t.Fatalf("expected card_not_yet_valid for issued card, got %s", d.Reason)
	}
}

func TestValidityWindowBounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	early := f.event(10)
	early.At = f.card.ValidFrom.Add(-time.Minute)
	d, err := f.engine.Evaluate(ctx, early)
	if err != nil {
		t.Fatal(err)
	}
	if d.Reason != ReasonCardNotYetValid {
		t.Fatalf("expected card_not_yet_valid before window, got %s", d.Reason)
	}

	late := f.event(10)
	late.At = f.card.ValidUntil.Add(time.Minute)
	d, err = f.engine.Evaluate(ctx, late)
	if err != nil {
		t.Fatal(err)
	}
	if d.Reason != ReasonCardExpired {
		t.Fatalf("expected card_expired after window, got %s", d.Reason)
	}
}

func TestGroupGrantCovers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lab := policy.AccessPoint{ID: "lab", Name: "Research lab", Level: policy.LevelHigh}
	if err := f.policy.AddAccessPoint(lab); err != nil {
		t.Fatal(err)
	}
	if err := f.policy.Grant(ctx, policy.GroupPrincipal("staff"), lab.ID, []policy.Window{{Start: 0, End: 24 * 60}}); err != nil {
		t.Fatal(err)
	}

	d, err := f.engine.Evaluate(ctx, Event{CardID: f.card.ID, AccessPointID: lab.ID, At: at(10)})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Granted() {
		t.Fatalf("group grant should cover: %s/%s", d.Outcome, d.Reason)
	}
}

func TestEvaluationIsDeterministic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(10)

	first, err := f.engine.Evaluate(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.engine.Evaluate(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if first.Outcome != second.Outcome || first.Reason != second.Reason {
		t.Fatalf("identical event diverged: %s/%s vs %s/%s",
			first.Outcome, first.Reason, second.Outcome, second.Reason)
	}
}

// failingStore rejects every append to model durable storage loss.
type failingStore struct{ *audit.MemoryStore }

func (s *failingStore) Append(ctx context.Context, rec audit.Record) error {
	return errors.New("disk gone")
}

func TestAuditFailureFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	broken, err := audit.New(ctx, &failingStore{audit.NewMemoryStore()}, audit.WithRetry(2, time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	eng := New(f.registry, f.policy, broken)

	d, err := eng.Evaluate(ctx, f.event(10))
	if !errors.Is(err, ErrAuditUnavailable) {
		t.Fatalf("expected ErrAuditUnavailable, got %v", err)
	}
	if d.Granted() || d.Reason != ReasonSystemFault {
		t.Fatalf("expected fail-closed denial, got %s/%s", d.Outcome, d.Reason)
	}
}

func TestFaultIsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.engine.Fault(ctx, f.event(10), "timeout")
	if err != nil {
		t.Fatal(err)
	}
	if d.Reason != ReasonSystemFault || d.Sequence == 0 {
		t.Fatalf("fault not audited: %+v", d)
	}
	recs, err := f.trail.Records(ctx, d.Sequence-1, 1)
	if err != nil || len(recs) != 1 {
		t.Fatalf("read fault record: %v %v", recs, err)
	}
	entry, err := recs[0].Decode()
	if err != nil {
		t.Fatal(err)
	}
	if entry.Reason != string(ReasonSystemFault) || entry.Detail != "timeout" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}
