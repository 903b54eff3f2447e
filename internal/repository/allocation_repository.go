package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"time"

	"github.com/jbweber/homelab/aspen/internal/domain"
)

// AllocationRepository stores address_allocations rows. Only the address
// pool writes through it.
type AllocationRepository interface {
	WithTx(tx *sql.Tx) AllocationRepository

	// Insert creates an allocation row. Returns ErrDuplicate when the address
	// or the owning peer already has a row.
	Insert(ctx context.Context, alloc domain.AddressAllocation) (domain.AddressAllocation, error)
	FindByPeerID(ctx context.Context, peerID int64) (domain.AddressAllocation, error)
	FindAll(ctx context.Context) ([]domain.AddressAllocation, error)
	ListAddresses(ctx context.Context) ([]netip.Addr, error)
	CountReserved(ctx context.Context) (int, error)

	// DeleteUnreservedByPeerID removes the peer's allocation unless it is
	// reserved and returns the number of rows removed.
	DeleteUnreservedByPeerID(ctx context.Context, peerID int64) (int64, error)
}

type allocationRepositoryImpl struct {
	db DBTX
}

// NewAllocationRepository creates a new address allocation repository
func NewAllocationRepository(db *sql.DB) AllocationRepository {
	return &allocationRepositoryImpl{db: db}
}

func (r *allocationRepositoryImpl) WithTx(tx *sql.Tx) AllocationRepository {
	return &allocationRepositoryImpl{db: tx}
}

func (r *allocationRepositoryImpl) Insert(ctx context.Context, alloc domain.AddressAllocation) (domain.AddressAllocation, error) {
	if !alloc.Address.IsValid() {
		return domain.AddressAllocation{}, fmt.Errorf("allocation address is required: %w", ErrInvalidEntity)
	}

	alloc.CreatedAt = time.Now().UTC()
	var peerID any
	if alloc.PeerID != nil {
		peerID = *alloc.PeerID
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO address_allocations (address, peer_id, reserved, created_at) VALUES (?, ?, ?, ?)`,
		alloc.Address.String(), peerID, alloc.Reserved, alloc.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return domain.AddressAllocation{}, fmt.Errorf("allocation %s: %w", alloc.Address, ErrDuplicate)
		}
		return domain.AddressAllocation{}, fmt.Errorf("failed to create allocation: %w", err)
	}
	return alloc, nil
}

func (r *allocationRepositoryImpl) FindByPeerID(ctx context.Context, peerID int64) (domain.AddressAllocation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT address, peer_id, reserved, created_at FROM address_allocations WHERE peer_id = ?`, peerID)
	alloc, err := scanAllocation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.AddressAllocation{}, fmt.Errorf("allocation for peer %d: %w", peerID, ErrNotFound)
		}
		return domain.AddressAllocation{}, fmt.Errorf("failed to find allocation: %w", err)
	}
	return alloc, nil
}

func (r *allocationRepositoryImpl) FindAll(ctx context.Context) ([]domain.AddressAllocation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT address, peer_id, reserved, created_at FROM address_allocations ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer rows.Close()

	var allocs []domain.AddressAllocation
	for rows.Next() {
		alloc, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		allocs = append(allocs, alloc)
	}
	return allocs, rows.Err()
}

func (r *allocationRepositoryImpl) ListAddresses(ctx context.Context) ([]netip.Addr, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT address FROM address_allocations`)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocated addresses: %w", err)
	}
	defer rows.Close()

	var addrs []netip.Addr
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan allocated address: %w", err)
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("stored address %q: %w", s, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, rows.Err()
}

func (r *allocationRepositoryImpl) CountReserved(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM address_allocations WHERE reserved = 1`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count reserved allocations: %w", err)
	}
	return count, nil
}

func (r *allocationRepositoryImpl) DeleteUnreservedByPeerID(ctx context.Context, peerID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM address_allocations WHERE peer_id = ? AND reserved = 0`, peerID)
	if err != nil {
		return 0, fmt.Errorf("failed to release allocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func scanAllocation(s scanner) (domain.AddressAllocation, error) {
	var a domain.AddressAllocation
	var address string
	var peerID sql.NullInt64

	if err := s.Scan(&address, &peerID, &a.Reserved, &a.CreatedAt); err != nil {
		return domain.AddressAllocation{}, err
	}

	addr, err := netip.ParseAddr(address)
	if err != nil {
		return domain.AddressAllocation{}, fmt.Errorf("stored address %q: %w", address, err)
	}
	a.Address = addr
	if peerID.Valid {
		id := peerID.Int64
		a.PeerID = &id
	}
	return a, nil
}
