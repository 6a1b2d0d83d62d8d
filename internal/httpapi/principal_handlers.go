package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"investcalc.org/internal/audit"
)

type assignRolesRequest struct {
	Roles []string `json:"roles"`
}

type rotateSecretRequest struct {
	Secret string `json:"secret"`
}

func principalID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}

func (a *API) handleGetPrincipal(w http.ResponseWriter, r *http.Request) {
	p, err := a.auth.Principal(r.Context(), principalID(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPrincipalResponse(p))
}

func (a *API) handleAssignRoles(w http.ResponseWriter, r *http.Request) {
	var req assignRolesRequest
	if err := decodeJSON(r, &req); err != nil {
		badBody(w, r, err)
		return
	}
	id := principalID(r)
	p, err := a.auth.AssignRoles(r.Context(), id, req.Roles)
	if err != nil {
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "principal.roles.update", map[string]any{
		"principal_id": id,
		"roles":        p.Roles,
	})
	writeJSON(w, http.StatusOK, newPrincipalResponse(p))
}

func (a *API) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	var req rotateSecretRequest
	if err := decodeJSON(r, &req); err != nil {
		badBody(w, r, err)
		return
	}
	id := principalID(r)
	if err := a.auth.RotateSecret(r.Context(), id, req.Secret); err != nil {
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "principal.secret.rotate", map[string]any{"principal_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDisable(w http.ResponseWriter, r *http.Request) {
	id := principalID(r)
	if err := a.auth.Disable(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "principal.disable", map[string]any{"principal_id": id})
	w.WriteHeader(http.StatusNoContent)
}
