// Package ipam hands out overlay addresses from a single CIDR block.
//
// Allocation is first-fit in ascending numeric order. The scan and the insert
// run in one transaction; the unique address column settles any remaining
// race, in which case the loser rescans once.
package ipam

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/netip"

	"github.com/jbweber/homelab/aspen/internal/domain"
	"github.com/jbweber/homelab/aspen/internal/repository"
)

var (
	// ErrPoolExhausted is returned when every usable address is allocated
	ErrPoolExhausted = errors.New("address pool exhausted")

	// ErrAlreadyInitialized is returned when Initialize runs against a populated store
	ErrAlreadyInitialized = errors.New("address pool already initialized")

	// ErrAllocationContention is returned when concurrent allocations keep
	// claiming the address picked by the scan
	ErrAllocationContention = errors.New("address allocation contention")

	// ErrAddressOutsidePool is returned for a self address outside the usable range
	ErrAddressOutsidePool = errors.New("address outside pool")
)

// maxAllocateAttempts bounds the rescan after losing an insert race.
const maxAllocateAttempts = 2

// Pool allocates addresses from a network block
type Pool struct {
	prefix netip.Prefix
	self   netip.Addr
	db     *sql.DB
	allocs repository.AllocationRepository
}

// New creates a pool over cidr. An empty self address defaults to the
// first usable host.
func New(db *sql.DB, cidr string, self string) (*Pool, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid network block %q: %w", cidr, err)
	}
	prefix = prefix.Masked()

	first, last, ok := hostRange(prefix)
	if !ok {
		return nil, fmt.Errorf("network block %s has no usable hosts", prefix)
	}

	selfAddr := first
	if self != "" {
		selfAddr, err = netip.ParseAddr(self)
		if err != nil {
			return nil, fmt.Errorf("invalid self address %q: %w", self, err)
		}
		if selfAddr.Compare(first) < 0 || selfAddr.Compare(last) > 0 {
			return nil, fmt.Errorf("self address %s in %s: %w", selfAddr, prefix, ErrAddressOutsidePool)
		}
	}

	return &Pool{
		prefix: prefix,
		self:   selfAddr,
		db:     db,
		allocs: repository.NewAllocationRepository(db),
	}, nil
}

// Prefix returns the pool's network block
func (p *Pool) Prefix() netip.Prefix {
	return p.prefix
}

// Self returns the reserved coordinator address
func (p *Pool) Self() netip.Addr {
	return p.self
}

// WithTx returns a view of the pool whose reads and writes join tx
func (p *Pool) WithTx(tx *sql.Tx) *TxPool {
	return &TxPool{pool: p, allocs: p.allocs.WithTx(tx)}
}

// Initialize reserves the self address. It fails with ErrAlreadyInitialized
// when a reserved allocation already exists.
func (p *Pool) Initialize(ctx context.Context) error {
	return repository.RunInTx(ctx, p.db, func(tx *sql.Tx) error {
		allocs := p.allocs.WithTx(tx)

		reserved, err := allocs.CountReserved(ctx)
		if err != nil {
			return err
		}
		if reserved > 0 {
			return ErrAlreadyInitialized
		}

		_, err = allocs.Insert(ctx, domain.AddressAllocation{Address: p.self, Reserved: true})
		if errors.Is(err, repository.ErrDuplicate) {
			return fmt.Errorf("self address %s: %w", p.self, ErrAlreadyInitialized)
		}
		return err
	})
}

// Allocate assigns the lowest free address to ownerID in its own transaction
func (p *Pool) Allocate(ctx context.Context, ownerID int64) (netip.Addr, error) {
	var addr netip.Addr
	err := repository.RunInTx(ctx, p.db, func(tx *sql.Tx) error {
		var err error
		addr, err = p.WithTx(tx).Allocate(ctx, ownerID)
		return err
	})
	return addr, err
}

// Release frees ownerID's address. Missing and reserved allocations are left
// alone without error.
func (p *Pool) Release(ctx context.Context, ownerID int64) error {
	_, err := p.allocs.DeleteUnreservedByPeerID(ctx, ownerID)
	return err
}

// Lookup returns ownerID's address, if any
func (p *Pool) Lookup(ctx context.Context, ownerID int64) (netip.Addr, bool, error) {
	return lookup(ctx, p.allocs, ownerID)
}

// Allocations lists every allocation row
func (p *Pool) Allocations(ctx context.Context) ([]domain.AddressAllocation, error) {
	return p.allocs.FindAll(ctx)
}

// TxPool is a Pool bound to a caller's transaction
type TxPool struct {
	pool   *Pool
	allocs repository.AllocationRepository
}

// Allocate scans the usable host range in ascending order and records the
// first unallocated address for ownerID.
func (t *TxPool) Allocate(ctx context.Context, ownerID int64) (netip.Addr, error) {
	for attempt := 1; attempt <= maxAllocateAttempts; attempt++ {
		taken, err := t.allocs.ListAddresses(ctx)
		if err != nil {
			return netip.Addr{}, err
		}

		addr, ok := t.pool.firstFree(taken)
		if !ok {
			return netip.Addr{}, fmt.Errorf("%s: %w", t.pool.prefix, ErrPoolExhausted)
		}

		owner := ownerID
		_, err = t.allocs.Insert(ctx, domain.AddressAllocation{Address: addr, PeerID: &owner})
		if err == nil {
			return addr, nil
		}
		if !errors.Is(err, repository.ErrDuplicate) {
			return netip.Addr{}, err
		}

		// The address or the owner already has a row. An existing row for
		// the owner is not a race, report it as is.
		existing, found, err := lookup(ctx, t.allocs, ownerID)
		if err != nil {
			return netip.Addr{}, err
		}
		if found {
			return netip.Addr{}, fmt.Errorf("owner %d already holds %s: %w", ownerID, existing, repository.ErrDuplicate)
		}
		log.Printf("lost allocation race for %s (owner %d, attempt %d)", addr, ownerID, attempt)
	}
	return netip.Addr{}, fmt.Errorf("owner %d: %w", ownerID, ErrAllocationContention)
}

// Release frees ownerID's address inside the transaction
func (t *TxPool) Release(ctx context.Context, ownerID int64) error {
	_, err := t.allocs.DeleteUnreservedByPeerID(ctx, ownerID)
	return err
}

// Lookup returns ownerID's address inside the transaction
func (t *TxPool) Lookup(ctx context.Context, ownerID int64) (netip.Addr, bool, error) {
	return lookup(ctx, t.allocs, ownerID)
}

func lookup(ctx context.Context, allocs repository.AllocationRepository, ownerID int64) (netip.Addr, bool, error) {
	alloc, err := allocs.FindByPeerID(ctx, ownerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return netip.Addr{}, false, nil
		}
		return netip.Addr{}, false, err
	}
	return alloc.Address, true, nil
}

// firstFree walks the host range from the bottom. The walk stops after at
// most len(taken)+1 steps, so large IPv6 blocks stay cheap.
func (p *Pool) firstFree(taken []netip.Addr) (netip.Addr, bool) {
	used := make(map[netip.Addr]struct{}, len(taken))
	for _, a := range taken {
		used[a] = struct{}{}
	}

	first, last, ok := hostRange(p.prefix)
	if !ok {
		return netip.Addr{}, false
	}

	for addr := first; addr.IsValid() && addr.Compare(last) <= 0; addr = addr.Next() {
		if _, inUse := used[addr]; !inUse {
			return addr, true
		}
	}
	return netip.Addr{}, false
}
