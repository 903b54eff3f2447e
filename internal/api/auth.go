package api

import (
	"context"
	"net/http"

	"github.com/jbweber/homelab/aspen/internal/domain"
)

type ctxKey int

const peerKey ctxKey = iota

// requireAuth admits requests carrying the token of an enabled peer
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer, err := a.registry.Authenticate(r.Context(), extractToken(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), peerKey, peer)))
	})
}

// requireAdmin admits requests carrying the token of an enabled admin
func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer, err := a.registry.AuthorizeAdmin(r.Context(), extractToken(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), peerKey, peer)))
	})
}

// callerFromContext returns the authenticated peer, if any
func callerFromContext(ctx context.Context) (domain.Peer, bool) {
	peer, ok := ctx.Value(peerKey).(domain.Peer)
	return peer, ok
}
