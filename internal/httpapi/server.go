// Package httpapi is the HTTP surface: device ingress, administrative card
// and permission endpoints, audit export and service plumbing.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"custos.org/internal/audit"
	"custos.org/internal/gateway"
	"custos.org/internal/obs"
	"custos.org/internal/policy"
	"custos.org/internal/registry"
	"custos.org/internal/session"
)

// ReadyProbe reports readiness; with a DB attached it pings it.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer. All domain work goes through the session
// coordinator; the API never touches the registry or policy store for writes.
type API struct {
	mux         *http.ServeMux
	readyProbe  ReadyProbe
	version     string
	coordinator *session.Coordinator
	registry    registry.Service
	policy      *policy.Store
	trail       *audit.Trail
	hub         *gateway.Hub

	rateBurst  int
	ratePerSec int
}

func New(coord *session.Coordinator, reg registry.Service, pol *policy.Store, trail *audit.Trail, hub *gateway.Hub, rp ReadyProbe, version string) *API {
	a := &API{
		mux:         http.NewServeMux(),
		readyProbe:  rp,
		version:     version,
		coordinator: coord,
		registry:    reg,
		policy:      pol,
		trail:       trail,
		hub:         hub,
		rateBurst:   50,
		ratePerSec:  25,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// device ingress + actuator signal stream
	a.mux.HandleFunc("/v1/access/events", a.handleAccessEvents)
	a.mux.HandleFunc("/v1/signals", a.Stream)

	// administration
	a.mux.HandleFunc("/v1/cardholders", a.handleCardholders)
	a.mux.HandleFunc("/v1/cards", a.handleCardsCollection)
	a.mux.HandleFunc("/v1/cards/", a.handleCardResource)
	a.mux.HandleFunc("/v1/access-points", a.handleAccessPoints)
	a.mux.HandleFunc("/v1/permissions/grant", a.handleGrant)
	a.mux.HandleFunc("/v1/permissions/revoke", a.handleRevoke)

	// audit export
	a.mux.HandleFunc("/v1/audit/records", a.handleAuditRecords)
	a.mux.HandleFunc("/v1/audit/verify", a.handleAuditVerify)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- service handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "custos-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       "custos-api",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"version":    a.version,
		"audit_head": a.trail.Head(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleDomainError maps package sentinels onto HTTP status codes.
func handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrInvalidInput), errors.Is(err, policy.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrHolderNotFound), errors.Is(err, policy.ErrUnknownAccessPoint):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrTimeout), errors.Is(err, audit.ErrStorageFailure):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
