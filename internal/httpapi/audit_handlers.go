package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"custos.org/internal/audit"
	"custos.org/internal/auth"
	"custos.org/internal/obs"
)

type auditRecordsResponse struct {
	Items     []audit.Record `json:"items"`
	NextAfter uint64         `json:"next_after"`
	Head      uint64         `json:"head"`
	AsOf      time.Time      `json:"as_of"`
}

// handleAuditRecords exports committed records sequentially for external
// archival: GET /v1/audit/records?after=&limit=.
func (a *API) handleAuditRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if err := a.requirePermission(r.Context(), auth.PermAuditRead); err != nil {
		writeError(w, http.StatusForbidden, "permission denied")
		return
	}

	after, err := parseSeq(r.URL.Query().Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
		return
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = v
	}

	items, err := a.trail.Records(r.Context(), after, limit)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	next := after
	if n := len(items); n > 0 {
		next = items[n-1].Sequence
	}
	writeJSON(w, http.StatusOK, auditRecordsResponse{
		Items:     items,
		NextAfter: next,
		Head:      a.trail.Head(),
		AsOf:      time.Now().UTC(),
	})
}

// handleAuditVerify recomputes the hash chain over [from, to]. Tampering is a
// finding, not a server error: the response reports the earliest corrupted
// sequence with a 200.
func (a *API) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if err := a.requirePermission(r.Context(), auth.PermAuditRead); err != nil {
		writeError(w, http.StatusForbidden, "permission denied")
		return
	}

	from, err := parseSeq(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be a non-negative integer")
		return
	}
	to, err := parseSeq(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to must be a non-negative integer")
		return
	}

	verifyErr := a.trail.Verify(r.Context(), from, to)
	switch {
	case verifyErr == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "head": a.trail.Head()})
	case errors.Is(verifyErr, audit.ErrTamperDetected):
		var tamper *audit.TamperError
		resp := map[string]any{"ok": false, "error": verifyErr.Error()}
		if errors.As(verifyErr, &tamper) {
			resp["first_bad_sequence"] = tamper.Sequence
			obs.Alarm("audit chain verification failed", map[string]any{
				"first_bad_sequence": tamper.Sequence,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(verifyErr, audit.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, verifyErr.Error())
	default:
		handleDomainError(w, verifyErr)
	}
}

func parseSeq(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
