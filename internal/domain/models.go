package domain

import (
	"net/netip"
	"time"
)

// Peer represents an authorized member of the overlay network
type Peer struct {
	ID          int64      // Unique identifier
	Name        string     // Unique peer name
	PublicKey   string     // Unique tunnel public key (base64)
	Address     netip.Addr // Unique overlay address assigned by the pool
	Enabled     bool       // Only enabled peers are installed on the interface
	Admin       bool       // Admin peers may manage other peers and invites
	Token       string     // Opaque access token
	Description string     // Optional free text
	LastSeen    *time.Time // Last time the peer was enabled (optional)
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AddressAllocation records ownership of a single pool address
type AddressAllocation struct {
	Address   netip.Addr // Allocated address
	PeerID    *int64     // Owning peer, nil for reserved-not-assigned addresses
	Reserved  bool       // Reserved allocations are never released by peer deletion
	CreatedAt time.Time
}

// Invite is a single-use, optionally time-limited registration token
type Invite struct {
	ID          int64
	Code        string     // Unique invite code
	ExpiresAt   *time.Time // Optional expiry
	ConsumedBy  *int64     // Peer that consumed the invite (kept for audit)
	ConsumedAt  *time.Time
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Consumed reports whether the invite has already been used.
func (i Invite) Consumed() bool {
	return i.ConsumedAt != nil
}

// Expired reports whether the invite expiry lies before now.
func (i Invite) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && i.ExpiresAt.Before(now)
}

// PeerUpdate carries the mutable peer fields; nil fields are left untouched.
type PeerUpdate struct {
	Description *string
	Enabled     *bool
}

// InviteUpdate carries the mutable invite fields; nil fields are left untouched.
type InviteUpdate struct {
	Description *string
	ExpiresAt   *time.Time
}
