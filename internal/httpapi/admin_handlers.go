package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"custos.org/internal/auth"
	"custos.org/internal/policy"
	"custos.org/internal/registry"
)

var errInvalidPrincipal = errors.New("exactly one of card_id or group is required")

type createCardholderRequest struct {
	Name   string   `json:"name"`
	Groups []string `json:"groups,omitempty"`
}

type issueCardRequest struct {
	CardholderID string    `json:"cardholder_id"`
	ValidFrom    time.Time `json:"valid_from"`
	ValidUntil   time.Time `json:"valid_until"`
}

type renewCardRequest struct {
	ValidUntil time.Time `json:"valid_until"`
}

type addAccessPointRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Level string `json:"level,omitempty"`
}

type permissionRequest struct {
	CardID        string   `json:"card_id,omitempty"`
	Group         string   `json:"group,omitempty"`
	AccessPointID string   `json:"access_point_id"`
	Windows       []string `json:"windows,omitempty"` // "HH:MM-HH:MM"
	Days          uint8    `json:"days,omitempty"`    // weekday bitmask, bit 0 = Sunday
}

func (a *API) handleCardholders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := a.requirePermission(r.Context(), auth.PermCardIssue); err != nil {
		writeError(w, http.StatusForbidden, "permission denied")
		return
	}

	var req createCardholderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	holder, err := a.registry.AddCardholder(r.Context(), strings.TrimSpace(req.Name), req.Groups)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, holder)
}

func (a *API) handleCardsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := a.requirePermission(r.Context(), auth.PermCardIssue); err != nil {
		writeError(w, http.StatusForbidden, "permission denied")
		return
	}

	var req issueCardRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	card, err := a.coordinator.IssueCard(r.Context(), strings.TrimSpace(req.CardholderID), req.ValidFrom, req.ValidUntil, actorFromContext(r.Context()))
	if err != nil {
		handleDomainError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/cards/"+card.ID)
	writeJSON(w, http.StatusCreated, card)
}

// handleCardResource serves GET /v1/cards/{id} and the lifecycle actions
// POST /v1/cards/{id}/{activate|suspend|revoke|renew}.
func (a *API) handleCardResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/cards/")
	if path == "" {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}

	id, action, hasAction := strings.Cut(path, "/")
	if id == "" || strings.Contains(action, "/") {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}

	if !hasAction {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		if err := a.requirePermission(r.Context(), auth.PermCardRead); err != nil {
			writeError(w, http.StatusForbidden, "permission denied")
			return
		}
		card, err := a.registry.Lookup(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, card)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := a.requirePermission(r.Context(), auth.PermCardTransition); err != nil {
		writeError(w, http.StatusForbidden, "permission denied")
		return
	}

	actor := actorFromContext(r.Context())
	switch action {
	case "activate":
		a.transitionCard(w, r, id, registry.StateActive, actor)
	case "suspend":
		a.transitionCard(w, r, id, registry.StateSuspended, actor)
	case "revoke":
		a.transitionCard(w, r, id, registry.StateRevoked, actor)
	case "renew":
		var req renewCardRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		card, err := a.coordinator.RenewCard(r.Context(), id, req.ValidUntil, actor)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, card)
	default:
		writeError(w, http.StatusNotFound, "resource not found")
	}
}

func (a *API) transitionCard(w http.ResponseWriter, r *http.Request, id string, target registry.LifecycleState, actor string) {
	applied, err := a.coordinator.TransitionCard(r.Context(), id, target, actor)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": applied})
}

func (a *API) handleAccessPoints(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if err := a.requirePermission(r.Context(), auth.PermCardRead); err != nil {
			writeError(w, http.StatusForbidden, "permission denied")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": a.policy.AccessPoints()})
	case http.MethodPost:
		if err := a.requirePermission(r.Context(), auth.PermPermissionWrite); err != nil {
			writeError(w, http.StatusForbidden, "permission denied")
			return
		}
		var req addAccessPointRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ap := policy.AccessPoint{
			ID:    strings.TrimSpace(req.ID),
			Name:  strings.TrimSpace(req.Name),
			Level: policy.SecurityLevel(req.Level),
		}
		if err := a.policy.AddAccessPoint(ap); err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, ap)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleGrant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := a.requirePermission(r.Context(), auth.PermPermissionWrite); err != nil {
		writeError(w, http.StatusForbidden, "permission denied")
		return
	}

	var req permissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	principal, err := principalFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Windows) == 0 {
		writeError(w, http.StatusBadRequest, "at least one window is required")
		return
	}
	windows := make([]policy.Window, 0, len(req.Windows))
	for _, raw := range req.Windows {
		win, err := policy.ParseWindow(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		win.Days = req.Days
		windows = append(windows, win)
	}

	if err := a.coordinator.GrantPermission(r.Context(), principal, req.AccessPointID, windows, actorFromContext(r.Context())); err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"principal":       principal,
		"access_point_id": req.AccessPointID,
		"windows":         windows,
	})
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := a.requirePermission(r.Context(), auth.PermPermissionWrite); err != nil {
		writeError(w, http.StatusForbidden, "permission denied")
		return
	}

	var req permissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	principal, err := principalFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.coordinator.RevokePermission(r.Context(), principal, req.AccessPointID, actorFromContext(r.Context())); err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"principal":       principal,
		"access_point_id": req.AccessPointID,
		"revoked":         true,
	})
}

func principalFromRequest(req permissionRequest) (string, error) {
	cardID := strings.TrimSpace(req.CardID)
	group := strings.TrimSpace(req.Group)
	switch {
	case cardID != "" && group != "":
		return "", errInvalidPrincipal
	case cardID != "":
		return policy.CardPrincipal(cardID), nil
	case group != "":
		return policy.GroupPrincipal(group), nil
	default:
		return "", errInvalidPrincipal
	}
}
