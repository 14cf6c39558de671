package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"custos.org/internal/audit"
	"custos.org/internal/engine"
	"custos.org/internal/gateway"
	"custos.org/internal/policy"
	"custos.org/internal/registry"
)

type fixture struct {
	coordinator *Coordinator
	registry    *registry.InMemory
	policy      *policy.Store
	trail       *audit.Trail
	hub         *gateway.Hub
	card        registry.Card
	holder      registry.Cardholder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	reg := registry.NewInMemory()
	pol := policy.NewStore()
	trail, err := audit.New(ctx, audit.NewMemoryStore(), audit.WithRetry(2, time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	hub := gateway.New()
	eng := engine.New(reg, pol, trail)
	coord := New(eng, reg, pol, trail, hub, opts...)

	holder, err := reg.AddCardholder(ctx, "Timur Aliyev", []string{"staff"})
	if err != nil {
		t.Fatal(err)
	}
	card, err := coord.IssueCard(ctx, holder.ID, time.Now().Add(-48*time.Hour), time.Now().Add(48*time.Hour), "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := coord.TransitionCard(ctx, card.ID, registry.StateActive, "admin-1"); err != nil {
		t.Fatal(err)
	}

	allDay := []policy.Window{{Start: 0, End: 24 * 60}}
	for _, ap := range []string{"door-1", "door-2"} {
		if err := pol.AddAccessPoint(policy.AccessPoint{ID: ap, Name: ap, Level: policy.LevelLow}); err != nil {
			t.Fatal(err)
		}
		if err := coord.GrantPermission(ctx, policy.CardPrincipal(card.ID), ap, allDay, "admin-1"); err != nil {
			t.Fatal(err)
		}
	}

	return &fixture{
		coordinator: coord,
		registry:    reg,
		policy:      pol,
		trail:       trail,
		hub:         hub,
		card:        card,
		holder:      holder,
	}
}

func TestPresentGrantsAndSignals(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := f.hub.Subscribe(ctx)

	d, err := f.coordinator.Present(ctx, engine.Event{
		CardID: f.card.ID, AccessPointID: "door-1", At: time.Now().UTC(), Direction: "in",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Granted() {
		t.Fatalf("expected grant, got %s/%s", d.Outcome, d.Reason)
	}

	select {
	case sig := <-signals:
		if !sig.Granted || sig.AccessPointID != "door-1" {
			t.Fatalf("unexpected signal %+v", sig)
		}
	case <-time.After(time.Second):
		t.Fatal("no actuator signal published")
	}
}

func TestConcurrentSameCardTwoDoors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan engine.Decision, 2)
	for _, door := range []string{"door-1", "door-2"} {
		wg.Add(1)
		go func(door string) {
			defer wg.Done()
			d, err := f.coordinator.Present(ctx, engine.Event{
				CardID: f.card.ID, AccessPointID: door, At: time.Now().UTC(),
			})
			if err != nil {
				t.Errorf("present at %s: %v", door, err)
				return
			}
			results <- d
		}(door)
	}
	wg.Wait()
	close(results)

	var seqs []uint64
	for d := range results {
		seqs = append(seqs, d.Sequence)
	}
	if len(seqs) != 2 {
		t.Fatalf("expected two decisions, got %d", len(seqs))
	}
	if seqs[0] == seqs[1] {
		t.Fatalf("decisions share a sequence number: %v", seqs)
	}
	if err := f.trail.Verify(ctx, 0, 0); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestLockTimeoutFailsClosedAndIsAudited(t *testing.T) {
	f := newFixture(t, WithWaitTimeout(50*time.Millisecond))
	ctx := context.Background()

	// Hold the card lock so the event cannot be admitted.
	release, err := f.coordinator.locks.acquire(ctx, time.Second, cardKey(f.card.ID))
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	before := f.trail.Head()
	d, err := f.coordinator.Present(ctx, engine.Event{
		CardID: f.card.ID, AccessPointID: "door-1", At: time.Now().UTC(),
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if d.Granted() || d.Reason != engine.ReasonSystemFault {
		t.Fatalf("expected fail-closed denial, got %s/%s", d.Outcome, d.Reason)
	}
	if f.trail.Head() != before+1 {
		t.Fatal("timeout denial was not audited")
	}
}

func TestAdminTransitionSerializesWithDecisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.coordinator.Present(ctx, engine.Event{
				CardID: f.card.ID, AccessPointID: "door-1", At: time.Now().UTC(),
			})
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = f.coordinator.TransitionCard(ctx, f.card.ID, registry.StateSuspended, "admin-2")
	}()
	wg.Wait()

	// Chain must stay intact regardless of interleaving.
	if err := f.trail.Verify(ctx, 0, 0); err != nil {
		t.Fatalf("verify: %v", err)
	}
	card, err := f.registry.Lookup(ctx, f.card.ID)
	if err != nil {
		t.Fatal(err)
	}
	if card.State != registry.StateSuspended {
		t.Fatalf("expected suspended, got %s", card.State)
	}
}

func TestActivateSiblingAuditsBothTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	second, err := f.coordinator.IssueCard(ctx, f.holder.ID, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	before := f.trail.Head()

	applied, err := f.coordinator.TransitionCard(ctx, second.ID, registry.StateActive, "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 2 {
		t.Fatalf("expected auto-suspend plus activation, got %+v", applied)
	}
	if f.trail.Head() != before+2 {
		t.Fatalf("expected two audit records, head moved %d -> %d", before, f.trail.Head())
	}

	recs, err := f.trail.Records(ctx, before, 2)
	if err != nil {
		t.Fatal(err)
	}
	first, _ := recs[0].Decode()
	if first.CardID != f.card.ID || first.ToState != string(registry.StateSuspended) || first.Detail != "auto" {
		t.Fatalf("expected audited auto-suspend first, got %+v", first)
	}
	secondEntry, _ := recs[1].Decode()
	if secondEntry.CardID != second.ID || secondEntry.ToState != string(registry.StateActive) {
		t.Fatalf("expected audited activation second, got %+v", secondEntry)
	}
}

func TestRunSweeperExpiresAndAudits(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stale, err := f.coordinator.IssueCard(ctx, f.holder.ID, time.Now().Add(-2*time.Hour), time.Now().Add(50*time.Millisecond), "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.coordinator.TransitionCard(ctx, stale.ID, registry.StateActive, "admin-1"); err != nil {
		t.Fatal(err)
	}

	before := f.trail.Head()
	go f.coordinator.RunSweeper(ctx, 20*time.Millisecond)

	// Wait for the sweeper's audit record rather than polling Lookup, which
	// would expire the card lazily on its own.
	deadline := time.After(2 * time.Second)
	for f.trail.Head() == before {
		select {
		case <-deadline:
			t.Fatal("sweeper did not expire the card")
		case <-time.After(10 * time.Millisecond):
		}
	}

	card, err := f.registry.Lookup(ctx, stale.ID)
	if err != nil {
		t.Fatal(err)
	}
	if card.State != registry.StateExpired {
		t.Fatalf("expected expired, got %s", card.State)
	}
	if err := f.trail.Verify(ctx, 0, 0); err != nil {
		t.Fatalf("verify: %v", err)
	}
}
