package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/jbweber/homelab/aspen/internal/coordinator"
	"github.com/jbweber/homelab/aspen/internal/domain"
	"github.com/jbweber/homelab/aspen/internal/registry"
)

type RegisterPeerRequest struct {
	Name        string `json:"name"`
	PublicKey   string `json:"public_key"`
	Description string `json:"description,omitempty"`
	InviteCode  string `json:"invite_code,omitempty"`
}

type UpdatePeerRequest struct {
	Description *string `json:"description,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
}

type PeerResponse struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	PublicKey   string     `json:"public_key"`
	Address     string     `json:"address"`
	Enabled     bool       `json:"enabled"`
	Admin       bool       `json:"admin"`
	Description string     `json:"description,omitempty"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RegisterPeerResponse is the only reply that carries the access token
type RegisterPeerResponse struct {
	PeerResponse
	Token  string     `json:"token"`
	Server ServerInfo `json:"server"`
}

func toPeerResponse(p domain.Peer) PeerResponse {
	resp := PeerResponse{
		ID:          p.ID,
		Name:        p.Name,
		PublicKey:   p.PublicKey,
		Enabled:     p.Enabled,
		Admin:       p.Admin,
		Description: p.Description,
		LastSeen:    p.LastSeen,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	if p.Address.IsValid() {
		resp.Address = p.Address.String()
	}
	return resp
}

// registerPeerHandler handles POST /api/peers/register.
//
// Request: JSON body with "name", "public_key" and optionally "description"
// and "invite_code". Response: 201 with the peer, its token and the server's
// tunnel details.
func (a *API) registerPeerHandler(w http.ResponseWriter, r *http.Request) {
	var req RegisterPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Name == "" || req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "Name and public_key are required")
		return
	}

	res, err := a.coord.RegisterPeer(r.Context(), registry.RegisterRequest{
		Name:        req.Name,
		PublicKey:   req.PublicKey,
		Description: req.Description,
		InviteCode:  req.InviteCode,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if ip, err := extractClientIP(r); err == nil {
		log.Printf("peer %s registered from %s", res.Peer.Name, ip)
	}

	setSyncError(w, res.SyncErr)
	writeJSON(w, http.StatusCreated, RegisterPeerResponse{
		PeerResponse: toPeerResponse(res.Peer),
		Token:        res.Peer.Token,
		Server:       a.info,
	})
}

func (a *API) listPeersHandler(w http.ResponseWriter, r *http.Request) {
	offset, limit, ok := parsePage(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid offset or limit")
		return
	}

	peers, err := a.registry.List(r.Context(), offset, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response := make([]PeerResponse, len(peers))
	for i, p := range peers {
		response[i] = toPeerResponse(p)
	}
	writeJSON(w, http.StatusOK, response)
}

func (a *API) getPeerHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid peer ID")
		return
	}

	peer, err := a.registry.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPeerResponse(peer))
}

// updatePeerHandler handles PUT /api/peers/{id}.
//
// Only description and enabled may change. Changing enabled pushes the new
// enabled set; a failed push is reported in the X-Sync-Error header.
func (a *API) updatePeerHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid peer ID")
		return
	}

	var req UpdatePeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	res, err := a.coord.UpdatePeer(r.Context(), id, domain.PeerUpdate{
		Description: req.Description,
		Enabled:     req.Enabled,
	})
	a.writeMutation(w, res, err)
}

func (a *API) enablePeerHandler(w http.ResponseWriter, r *http.Request) {
	a.setEnabled(w, r, true)
}

func (a *API) disablePeerHandler(w http.ResponseWriter, r *http.Request) {
	a.setEnabled(w, r, false)
}

func (a *API) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, ok := parseID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid peer ID")
		return
	}

	res, err := a.coord.SetPeerEnabled(r.Context(), id, enabled)
	a.writeMutation(w, res, err)
}

func (a *API) deletePeerHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid peer ID")
		return
	}

	res, err := a.coord.DeletePeer(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if caller, ok := callerFromContext(r.Context()); ok {
		log.Printf("peer %s (id=%d) deleted by %s", res.Peer.Name, res.Peer.ID, caller.Name)
	}
	setSyncError(w, res.SyncErr)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) writeMutation(w http.ResponseWriter, res coordinator.Result, err error) {
	if err != nil {
		writeServiceError(w, err)
		return
	}
	setSyncError(w, res.SyncErr)
	writeJSON(w, http.StatusOK, toPeerResponse(res.Peer))
}
