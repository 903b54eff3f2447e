// Package registry is the authoritative store of peer identity, credential,
// enablement and role.
//
// The registry never talks to the tunnel engine. Callers that change the
// enabled set push it afterwards (see the coordinator package).
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"strings"

	"github.com/jbweber/homelab/aspen/internal/domain"
	"github.com/jbweber/homelab/aspen/internal/invite"
	"github.com/jbweber/homelab/aspen/internal/ipam"
	"github.com/jbweber/homelab/aspen/internal/repository"
)

var (
	// ErrNotFound is returned when a peer does not exist
	ErrNotFound = repository.ErrNotFound

	// ErrDuplicateName is returned when a peer name is already registered
	ErrDuplicateName = errors.New("peer name already registered")

	// ErrDuplicateCredential is returned when a public key is already registered
	ErrDuplicateCredential = errors.New("peer public key already registered")

	// ErrInvalidCredential is returned for a malformed public key
	ErrInvalidCredential = errors.New("invalid peer public key")

	// ErrInvalidName is returned for an empty peer name
	ErrInvalidName = errors.New("invalid peer name")

	// ErrInviteRequired is returned when invites are enforced and none was given
	ErrInviteRequired = errors.New("invite code required")

	// ErrInvalidInvite wraps unknown, expired and already used invite codes
	ErrInvalidInvite = errors.New("invalid invite code")

	// ErrInvalidToken is returned when no enabled peer owns a token
	ErrInvalidToken = errors.New("invalid access token")

	// ErrAdminRequired is returned when a non-admin peer attempts an admin action
	ErrAdminRequired = errors.New("admin privileges required")

	// ErrTokenCollision is returned when token generation collides twice
	ErrTokenCollision = errors.New("access token collision")
)

// RegisterRequest carries the caller-supplied registration fields
type RegisterRequest struct {
	Name        string
	PublicKey   string
	Description string
	InviteCode  string
}

// Registry manages peers
type Registry struct {
	db             *sql.DB
	peers          repository.PeerRepository
	pool           *ipam.Pool
	invites        *invite.Issuer
	requireInvites bool
	newToken       func() (string, error)
}

// Option configures a Registry
type Option func(*Registry)

// RequireInvites makes registration fail without a valid invite code
func RequireInvites(required bool) Option {
	return func(r *Registry) {
		r.requireInvites = required
	}
}

// WithTokenGenerator replaces the access token source
func WithTokenGenerator(gen func() (string, error)) Option {
	return func(r *Registry) {
		r.newToken = gen
	}
}

// New creates a registry. Pool and issuer must share db.
func New(db *sql.DB, pool *ipam.Pool, issuer *invite.Issuer, opts ...Option) *Registry {
	r := &Registry{
		db:       db,
		peers:    repository.NewPeerRepository(db),
		pool:     pool,
		invites:  issuer,
		newToken: GenerateToken,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close releases the registry's cached statements
func (r *Registry) Close() error {
	return r.peers.Close()
}

// InvitesRequired reports whether registration is gated by invites
func (r *Registry) InvitesRequired() bool {
	return r.requireInvites
}

// Register creates an enabled peer, allocates its address and consumes its
// invite in one transaction. The first peer ever registered becomes admin.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (domain.Peer, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Peer{}, ErrInvalidName
	}
	credential, err := NormalizeCredential(strings.TrimSpace(req.PublicKey))
	if err != nil {
		return domain.Peer{}, err
	}
	code := strings.TrimSpace(req.InviteCode)
	if r.requireInvites && code == "" {
		return domain.Peer{}, ErrInviteRequired
	}

	var peer domain.Peer
	err = repository.RunInTx(ctx, r.db, func(tx *sql.Tx) error {
		peers := r.peers.WithTx(tx)

		if _, err := peers.FindByName(ctx, name); err == nil {
			return fmt.Errorf("%s: %w", name, ErrDuplicateName)
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if _, err := peers.FindByPublicKey(ctx, credential); err == nil {
			return ErrDuplicateCredential
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		bootstrapped, err := peers.BootstrapClaimed(ctx)
		if err != nil {
			return err
		}

		token, err := r.uniqueToken(ctx, peers)
		if err != nil {
			return err
		}

		peer, err = peers.Save(ctx, domain.Peer{
			Name:        name,
			PublicKey:   credential,
			Enabled:     true,
			Admin:       !bootstrapped,
			Token:       token,
			Description: req.Description,
		})
		if err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return fmt.Errorf("%s: %w", name, ErrDuplicateName)
			}
			return err
		}
		if peer.Admin {
			if err := peers.ClaimBootstrap(ctx, peer.ID); err != nil {
				return err
			}
		}

		if code != "" {
			if _, err := r.invites.WithTx(tx).Consume(ctx, code, peer.ID); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidInvite, err)
			}
		}

		addr, err := r.pool.WithTx(tx).Allocate(ctx, peer.ID)
		if err != nil {
			return err
		}
		if err := peers.SetAddress(ctx, peer.ID, addr); err != nil {
			return err
		}
		peer.Address = addr
		return nil
	})
	if err != nil {
		return domain.Peer{}, err
	}

	log.Printf("registered peer %s (id=%d, address=%s, admin=%t)", peer.Name, peer.ID, peer.Address, peer.Admin)
	return peer, nil
}

func (r *Registry) uniqueToken(ctx context.Context, peers repository.PeerRepository) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := r.newToken()
		if err != nil {
			return "", err
		}
		_, err = peers.FindByToken(ctx, token)
		if errors.Is(err, repository.ErrNotFound) {
			return token, nil
		}
		if err != nil {
			return "", err
		}
		log.Printf("generated access token collided, retrying")
	}
	return "", ErrTokenCollision
}

// Get returns a peer by id
func (r *Registry) Get(ctx context.Context, id int64) (domain.Peer, error) {
	return r.peers.FindByID(ctx, id)
}

// GetByName returns a peer by name
func (r *Registry) GetByName(ctx context.Context, name string) (domain.Peer, error) {
	return r.peers.FindByName(ctx, name)
}

// List returns peers ordered by id
func (r *Registry) List(ctx context.Context, offset, limit int) ([]domain.Peer, error) {
	return r.peers.FindPage(ctx, offset, limit)
}

// EnabledPeers returns every enabled peer holding an address
func (r *Registry) EnabledPeers(ctx context.Context) ([]domain.Peer, error) {
	return r.peers.FindEnabled(ctx)
}

// Update applies a partial update. It reports whether the enabled flag
// changed so the caller knows to push.
func (r *Registry) Update(ctx context.Context, id int64, update domain.PeerUpdate) (domain.Peer, bool, error) {
	var peer domain.Peer
	var changed bool
	err := repository.RunInTx(ctx, r.db, func(tx *sql.Tx) error {
		peers := r.peers.WithTx(tx)

		current, err := peers.FindByID(ctx, id)
		if err != nil {
			return err
		}

		if update.Description != nil {
			current.Description = *update.Description
		}
		peer, err = peers.Save(ctx, current)
		if err != nil {
			return err
		}

		if update.Enabled != nil && *update.Enabled != current.Enabled {
			peer, err = peers.SetEnabled(ctx, id, *update.Enabled)
			if err != nil {
				return err
			}
			changed = true
		}
		return nil
	})
	if err != nil {
		return domain.Peer{}, false, err
	}
	return peer, changed, nil
}

// SetEnabled toggles a peer. The caller pushes the new enabled set.
func (r *Registry) SetEnabled(ctx context.Context, id int64, enabled bool) (domain.Peer, error) {
	peer, err := r.peers.SetEnabled(ctx, id, enabled)
	if err != nil {
		return domain.Peer{}, err
	}
	log.Printf("peer %s (id=%d) enabled=%t", peer.Name, peer.ID, peer.Enabled)
	return peer, nil
}

// Delete removes a peer and releases its address in one transaction
func (r *Registry) Delete(ctx context.Context, id int64) (domain.Peer, error) {
	var peer domain.Peer
	err := repository.RunInTx(ctx, r.db, func(tx *sql.Tx) error {
		peers := r.peers.WithTx(tx)

		var err error
		peer, err = peers.FindByID(ctx, id)
		if err != nil {
			return err
		}

		// the allocation row references the peer, so it goes first
		if err := r.pool.WithTx(tx).Release(ctx, id); err != nil {
			return err
		}
		return peers.DeleteByID(ctx, id)
	})
	if err != nil {
		return domain.Peer{}, err
	}

	log.Printf("deleted peer %s (id=%d), released %s", peer.Name, peer.ID, peer.Address)
	return peer, nil
}

// Authenticate resolves token to an enabled peer
func (r *Registry) Authenticate(ctx context.Context, token string) (domain.Peer, error) {
	if token == "" {
		return domain.Peer{}, ErrInvalidToken
	}

	peer, err := r.peers.FindByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Peer{}, ErrInvalidToken
		}
		return domain.Peer{}, err
	}
	if !peer.Enabled {
		return domain.Peer{}, ErrInvalidToken
	}
	return peer, nil
}

// AuthorizeAdmin resolves token to an enabled admin peer
func (r *Registry) AuthorizeAdmin(ctx context.Context, token string) (domain.Peer, error) {
	peer, err := r.Authenticate(ctx, token)
	if err != nil {
		return domain.Peer{}, err
	}
	if !peer.Admin {
		return domain.Peer{}, ErrAdminRequired
	}
	return peer, nil
}

// Lookup returns the pool address held by peer id
func (r *Registry) Lookup(ctx context.Context, id int64) (netip.Addr, bool, error) {
	return r.pool.Lookup(ctx, id)
}
