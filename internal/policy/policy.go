package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnknownAccessPoint = errors.New("policy: unknown access point")
	ErrInvalidInput       = errors.New("policy: invalid input")
)

// SecurityLevel is reporting metadata on an access point; it carries no
// decision semantics beyond the window check.
type SecurityLevel string

const (
	LevelLow    SecurityLevel = "low"
	LevelMedium SecurityLevel = "medium"
	LevelHigh   SecurityLevel = "high"
)

// AccessPoint is a controlled entry/exit location.
type AccessPoint struct {
	ID    string        `json:"id"`
	Name  string        `json:"name"`
	Level SecurityLevel `json:"level"`
}

// Window is an allowed time-of-day range in UTC. Start is inclusive, End
// exclusive, both minutes since midnight. Days is a weekday bitmask
// (bit 0 = Sunday); zero means every day.
type Window struct {
	Start int   `json:"start"`
	End   int   `json:"end"`
	Days  uint8 `json:"days,omitempty"`
}

// Contains reports whether the window covers the given instant.
func (w Window) Contains(t time.Time) bool {
	t = t.UTC()
	if w.Days != 0 && w.Days&(1<<uint(t.Weekday())) == 0 {
		return false
	}
	minutes := t.Hour()*60 + t.Minute()
	return minutes >= w.Start && minutes < w.End
}

// ParseWindow parses "HH:MM-HH:MM" into a Window covering every day. The end
// may be "24:00" for a window running to midnight.
func ParseWindow(s string) (Window, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("%w: window must be HH:MM-HH:MM", ErrInvalidInput)
	}
	start, err := parseMinutes(parts[0])
	if err != nil {
		return Window{}, err
	}
	end, err := parseMinutes(parts[1])
	if err != nil {
		return Window{}, err
	}
	if end <= start {
		return Window{}, fmt.Errorf("%w: window end must be after start", ErrInvalidInput)
	}
	return Window{Start: start, End: end}, nil
}

func parseMinutes(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("%w: bad time %q", ErrInvalidInput, s)
	}
	if h == 24 && m == 0 {
		return 24 * 60, nil
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: bad time %q", ErrInvalidInput, s)
	}
	return h*60 + m, nil
}

// CardPrincipal and GroupPrincipal build the two principal key forms a grant
// may target.
func CardPrincipal(cardID string) string { return "card:" + cardID }
func GroupPrincipal(group string) string { return "group:" + group }

// Persister receives write-through copies of grant mutations.
type Persister interface {
	SaveGrant(ctx context.Context, principal, accessPointID string, windows []Window) error
	DeleteGrant(ctx context.Context, principal, accessPointID string) error
}

// Store owns access points and (principal, access point) -> window grants.
// Read-mostly: lookups take the read lock, administrative writes are
// exclusive and effective immediately for subsequent lookups.
type Store struct {
	mu      sync.RWMutex
	points  map[string]AccessPoint
	grants  map[string]map[string][]Window // principal -> access point -> windows
	persist Persister
}

// NewStore creates an empty policy store.
func NewStore() *Store {
	return &Store{
		points: make(map[string]AccessPoint),
		grants: make(map[string]map[string][]Window),
	}
}

// WithPersister attaches durable write-through storage.
func (s *Store) WithPersister(p Persister) *Store {
	s.persist = p
	return s
}

// AddAccessPoint registers a controlled location.
func (s *Store) AddAccessPoint(ap AccessPoint) error {
	if ap.ID == "" {
		return fmt.Errorf("%w: access point id is required", ErrInvalidInput)
	}
	if ap.Level == "" {
		ap.Level = LevelLow
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[ap.ID] = ap
	return nil
}

// AccessPoints lists registered points in id order.
func (s *Store) AccessPoints() []AccessPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AccessPoint, 0, len(s.points))
	for _, ap := range s.points {
		out = append(out, ap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// KnownAccessPoint reports whether the id is registered.
func (s *Store) KnownAccessPoint(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.points[id]
	return ok
}

// Grant replaces the window set for (principal, accessPointID).
func (s *Store) Grant(ctx context.Context, principal, accessPointID string, windows []Window) error {
	if principal == "" || len(windows) == 0 {
		return fmt.Errorf("%w: principal and at least one window are required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.points[accessPointID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccessPoint, accessPointID)
	}
	if s.persist != nil {
		if err := s.persist.SaveGrant(ctx, principal, accessPointID, windows); err != nil {
			return err
		}
	}
	byPoint, ok := s.grants[principal]
	if !ok {
		byPoint = make(map[string][]Window)
		s.grants[principal] = byPoint
	}
	byPoint[accessPointID] = append([]Window(nil), windows...)
	return nil
}

// RevokePermission removes the grant for (principal, accessPointID).
func (s *Store) RevokePermission(ctx context.Context, principal, accessPointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.points[accessPointID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccessPoint, accessPointID)
	}
	if s.persist != nil {
		if err := s.persist.DeleteGrant(ctx, principal, accessPointID); err != nil {
			return err
		}
	}
	if byPoint, ok := s.grants[principal]; ok {
		delete(byPoint, accessPointID)
		if len(byPoint) == 0 {
			delete(s.grants, principal)
		}
	}
	return nil
}

// PermissionsFor returns the allowed windows for (principal, accessPointID),
// possibly empty. Pure lookup, no side effects.
func (s *Store) PermissionsFor(principal, accessPointID string) []Window {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byPoint, ok := s.grants[principal]
	if !ok {
		return nil
	}
	return append([]Window(nil), byPoint[accessPointID]...)
}

// Covered reports whether any grant for the principals covers the access
// point at the given instant.
func (s *Store) Covered(principals []string, accessPointID string, at time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range principals {
		for _, w := range s.grants[p][accessPointID] {
			if w.Contains(at) {
				return true
			}
		}
	}
	return false
}
