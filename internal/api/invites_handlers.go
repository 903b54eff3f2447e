package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jbweber/homelab/aspen/internal/domain"
)

// CreateInviteRequest sets the expiry either relative ("expires_in", a Go
// duration string) or absolute ("expires_at"), not both.
type CreateInviteRequest struct {
	ExpiresIn   string     `json:"expires_in,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Description string     `json:"description,omitempty"`
}

type UpdateInviteRequest struct {
	Description *string    `json:"description,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type InviteResponse struct {
	ID          int64      `json:"id"`
	Code        string     `json:"code"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ConsumedBy  *int64     `json:"consumed_by,omitempty"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func toInviteResponse(i domain.Invite) InviteResponse {
	return InviteResponse{
		ID:          i.ID,
		Code:        i.Code,
		ExpiresAt:   i.ExpiresAt,
		ConsumedBy:  i.ConsumedBy,
		ConsumedAt:  i.ConsumedAt,
		Description: i.Description,
		CreatedAt:   i.CreatedAt,
		UpdatedAt:   i.UpdatedAt,
	}
}

func (a *API) createInviteHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.ExpiresIn != "" && req.ExpiresAt != nil {
		writeError(w, http.StatusBadRequest, "Specify expires_in or expires_at, not both")
		return
	}

	expiresAt := req.ExpiresAt
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid expires_in duration")
			return
		}
		at := time.Now().UTC().Add(d)
		expiresAt = &at
	}

	inv, err := a.invites.Create(r.Context(), expiresAt, req.Description)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInviteResponse(inv))
}

func (a *API) listInvitesHandler(w http.ResponseWriter, r *http.Request) {
	offset, limit, ok := parsePage(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid offset or limit")
		return
	}

	invites, err := a.invites.List(r.Context(), offset, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response := make([]InviteResponse, len(invites))
	for i, inv := range invites {
		response[i] = toInviteResponse(inv)
	}
	writeJSON(w, http.StatusOK, response)
}

func (a *API) getInviteHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid invite ID")
		return
	}

	inv, err := a.invites.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInviteResponse(inv))
}

func (a *API) updateInviteHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid invite ID")
		return
	}

	var req UpdateInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	inv, err := a.invites.Update(r.Context(), id, domain.InviteUpdate{
		Description: req.Description,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInviteResponse(inv))
}
