package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"custos.org/internal/engine"
	"custos.org/internal/session"
)

type accessEventRequest struct {
	CardID        string    `json:"card_id"`
	AccessPointID string    `json:"access_point_id"`
	At            time.Time `json:"at,omitempty"`
	Direction     string    `json:"direction,omitempty"`
}

// handleAccessEvents is the device ingress: one presented credential in, one
// decision out. Denial is a 200 with outcome "denied"; only operational
// failures are non-2xx.
func (a *API) handleAccessEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var req accessEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.CardID = strings.TrimSpace(req.CardID)
	req.AccessPointID = strings.TrimSpace(req.AccessPointID)
	if req.CardID == "" || req.AccessPointID == "" {
		writeError(w, http.StatusBadRequest, "card_id and access_point_id are required")
		return
	}
	if req.Direction != "" && req.Direction != "in" && req.Direction != "out" {
		writeError(w, http.StatusBadRequest, `direction must be "in" or "out"`)
		return
	}

	decision, err := a.coordinator.Present(r.Context(), engine.Event{
		CardID:        req.CardID,
		AccessPointID: req.AccessPointID,
		At:            req.At,
		Direction:     req.Direction,
	})
	if err != nil {
		// The decision is still returned fail-closed; the device must deny.
		switch {
		case errors.Is(err, engine.ErrAuditUnavailable), errors.Is(err, session.ErrTimeout):
			writeJSON(w, http.StatusServiceUnavailable, decision)
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// Stream pushes actuator signals over Server-Sent Events.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := a.hub.Subscribe(r.Context())

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for sig := range ch {
		payload, err := json.Marshal(sig)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
