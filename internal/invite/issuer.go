// Package invite issues and consumes single-use registration codes.
package invite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/jbweber/homelab/aspen/internal/domain"
	"github.com/jbweber/homelab/aspen/internal/repository"
)

var (
	// ErrNotFound is returned for an unknown invite code or id
	ErrNotFound = repository.ErrNotFound

	// ErrExpired is returned when an invite's expiry lies in the past
	ErrExpired = errors.New("invite expired")

	// ErrAlreadyUsed is returned when an invite has already been consumed
	ErrAlreadyUsed = errors.New("invite already used")
)

// codeBytes is the amount of randomness behind each invite code.
const codeBytes = 32

// Issuer creates and consumes invites
type Issuer struct {
	db      *sql.DB
	invites repository.InviteRepository
	now     func() time.Time
}

// Option configures an Issuer
type Option func(*Issuer)

// WithClock overrides the time source used for expiry checks
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

// NewIssuer creates an invite issuer backed by db
func NewIssuer(db *sql.DB, opts ...Option) *Issuer {
	i := &Issuer{
		db:      db,
		invites: repository.NewInviteRepository(db),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// WithTx returns an issuer whose reads and writes join tx
func (i *Issuer) WithTx(tx *sql.Tx) *Issuer {
	return &Issuer{
		db:      i.db,
		invites: i.invites.WithTx(tx),
		now:     i.now,
	}
}

// Create stores a new invite with a random code. Admin authorization is the
// caller's job.
func (i *Issuer) Create(ctx context.Context, expiresAt *time.Time, description string) (domain.Invite, error) {
	for attempt := 0; attempt < 2; attempt++ {
		code, err := GenerateCode()
		if err != nil {
			return domain.Invite{}, err
		}

		invite, err := i.invites.Save(ctx, domain.Invite{
			Code:        code,
			ExpiresAt:   expiresAt,
			Description: description,
		})
		if errors.Is(err, repository.ErrDuplicate) {
			continue
		}
		return invite, err
	}
	return domain.Invite{}, fmt.Errorf("invite code collided twice: %w", repository.ErrDuplicate)
}

// Get returns an invite by id
func (i *Issuer) Get(ctx context.Context, id int64) (domain.Invite, error) {
	return i.invites.FindByID(ctx, id)
}

// List returns invites ordered by id
func (i *Issuer) List(ctx context.Context, offset, limit int) ([]domain.Invite, error) {
	return i.invites.FindPage(ctx, offset, limit)
}

// Update changes an invite's description or expiry
func (i *Issuer) Update(ctx context.Context, id int64, update domain.InviteUpdate) (domain.Invite, error) {
	invite, err := i.invites.FindByID(ctx, id)
	if err != nil {
		return domain.Invite{}, err
	}

	if update.Description != nil {
		invite.Description = *update.Description
	}
	if update.ExpiresAt != nil {
		invite.ExpiresAt = update.ExpiresAt
	}
	return i.invites.Save(ctx, invite)
}

// Consume marks the invite with code as used by peerID.
//
// Expiry is checked before consumption state, so an expired invite reports
// ErrExpired whether or not it was used. The consumed marker is written with
// a conditional update; of two racing consumers only one sees success.
func (i *Issuer) Consume(ctx context.Context, code string, peerID int64) (domain.Invite, error) {
	invite, err := i.invites.FindByCode(ctx, code)
	if err != nil {
		return domain.Invite{}, err
	}

	now := i.now().UTC()
	if invite.Expired(now) {
		return domain.Invite{}, fmt.Errorf("invite %d expired at %s: %w", invite.ID, invite.ExpiresAt.UTC().Format(time.RFC3339), ErrExpired)
	}
	if invite.Consumed() {
		return domain.Invite{}, fmt.Errorf("invite %d: %w", invite.ID, ErrAlreadyUsed)
	}

	ok, err := i.invites.MarkConsumed(ctx, invite.ID, peerID, now)
	if err != nil {
		return domain.Invite{}, err
	}
	if !ok {
		return domain.Invite{}, fmt.Errorf("invite %d: %w", invite.ID, ErrAlreadyUsed)
	}

	invite.ConsumedBy = &peerID
	invite.ConsumedAt = &now
	return invite, nil
}

// GenerateCode returns a URL-safe random string carrying 256 bits of entropy.
func GenerateCode() (string, error) {
	buf := make([]byte, codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
