package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jbweber/homelab/aspen/internal/coordinator"
	"github.com/jbweber/homelab/aspen/internal/invite"
	"github.com/jbweber/homelab/aspen/internal/ipam"
	"github.com/jbweber/homelab/aspen/internal/registry"
	"github.com/jbweber/homelab/aspen/internal/repository"
	"github.com/jbweber/homelab/aspen/internal/syncer"
)

// SyncErrorHeader carries a failed push on an otherwise successful mutation
const SyncErrorHeader = "X-Sync-Error"

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// ServerInfo is what a peer needs to configure its side of the tunnel
type ServerInfo struct {
	PublicKey     string `json:"public_key"`
	Endpoint      string `json:"endpoint"`
	ListenPort    int    `json:"listen_port"`
	NetworkCIDR   string `json:"network_cidr"`
	ServerAddress string `json:"server_address"`

	// InvitesRequired tells clients whether registration needs an invite code
	InvitesRequired bool `json:"invites_required"`
}

// HealthResponse reports liveness and the outcome of the last push
type HealthResponse struct {
	Status        string     `json:"status"`
	LastSync      *time.Time `json:"last_sync,omitempty"`
	LastSyncError string     `json:"last_sync_error,omitempty"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// API holds the services behind the HTTP surface
type API struct {
	coord    *coordinator.Coordinator
	registry *registry.Registry
	invites  *invite.Issuer
	info     ServerInfo
}

// NewAPI creates a new API instance
func NewAPI(coord *coordinator.Coordinator, reg *registry.Registry, issuer *invite.Issuer, info ServerInfo) *API {
	info.InvitesRequired = reg.InvitesRequired()
	return &API{
		coord:    coord,
		registry: reg,
		invites:  issuer,
		info:     info,
	}
}

// Router returns a chi router with middleware and every route registered
func (a *API) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all API endpoints to the given chi router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/health", a.healthHandler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/server-info", a.serverInfoHandler)
		r.Post("/peers/register", a.registerPeerHandler)

		// authenticated peers
		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth)
			r.Get("/peers", a.listPeersHandler)
			r.Get("/peers/{id}", a.getPeerHandler)
		})

		// admins
		r.Group(func(r chi.Router) {
			r.Use(a.requireAdmin)
			r.Put("/peers/{id}", a.updatePeerHandler)
			r.Post("/peers/{id}/enable", a.enablePeerHandler)
			r.Post("/peers/{id}/disable", a.disablePeerHandler)
			r.Delete("/peers/{id}", a.deletePeerHandler)

			r.Post("/invites", a.createInviteHandler)
			r.Get("/invites", a.listInvitesHandler)
			r.Get("/invites/{id}", a.getInviteHandler)
			r.Patch("/invites/{id}", a.updateInviteHandler)

			r.Post("/reconcile", a.reconcileHandler)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeServiceError maps a service error onto a status code. Unknown errors
// are logged and hidden behind a 500.
func writeServiceError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound) && !errors.Is(err, registry.ErrInvalidInvite):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicateName),
		errors.Is(err, registry.ErrDuplicateCredential),
		errors.Is(err, repository.ErrDuplicate),
		errors.Is(err, ipam.ErrAllocationContention):
		return http.StatusConflict
	case errors.Is(err, registry.ErrInvalidName),
		errors.Is(err, registry.ErrInvalidCredential),
		errors.Is(err, registry.ErrInviteRequired),
		errors.Is(err, registry.ErrInvalidInvite),
		errors.Is(err, repository.ErrInvalidEntity):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, registry.ErrAdminRequired):
		return http.StatusForbidden
	case errors.Is(err, ipam.ErrPoolExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, syncer.ErrSyncPartialFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// setSyncError flags a failed push without failing the request
func setSyncError(w http.ResponseWriter, err error) {
	if err != nil {
		w.Header().Set(SyncErrorHeader, err.Error())
	}
}

func parseID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// parsePage reads offset and limit query parameters
func parsePage(r *http.Request) (int, int, bool) {
	offset, limit := 0, defaultPageLimit
	q := r.URL.Query()

	if s := q.Get("offset"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return 0, 0, false
		}
		offset = v
	}
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			return 0, 0, false
		}
		limit = min(v, maxPageLimit)
	}
	return offset, limit, true
}

// healthHandler stays 200 while the last push failed; the failure is
// reported in the body.
func (a *API) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	last, err := a.coord.SyncStatus()
	if !last.IsZero() {
		resp.LastSync = &last
	}
	if err != nil {
		resp.Status = "degraded"
		resp.LastSyncError = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) serverInfoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.info)
}

// reconcileHandler handles POST /api/reconcile.
//
// Pushes the stored enabled set to the tunnel engine immediately.
func (a *API) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.coord.Reconcile(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconciled"})
}
