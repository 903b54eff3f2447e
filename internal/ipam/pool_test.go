package ipam

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/aspen/internal/domain"
	"github.com/jbweber/homelab/aspen/internal/repository"
	"github.com/jbweber/homelab/aspen/internal/testutil"
)

// createOwners inserts bare peer rows so allocations satisfy their foreign key.
func createOwners(t *testing.T, db *sql.DB, prefix string, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("%s-%d", prefix, i)
		res, err := db.Exec(`INSERT INTO peers (name, public_key, token, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			name, "pk-"+name, "tok-"+name, now, now)
		require.NoError(t, err)
		id, err := res.LastInsertId()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func newTestPool(t *testing.T, name, cidr, self string) (*Pool, *sql.DB) {
	t.Helper()
	db, cleanup := testutil.SetupTestDBWithMigrations(t, name)
	t.Cleanup(cleanup)

	pool, err := New(db, cidr, self)
	require.NoError(t, err)
	return pool, db
}

func TestNew_InvalidInput(t *testing.T) {
	_, err := New(nil, "not-a-cidr", "")
	assert.Error(t, err)

	_, err = New(nil, "10.0.0.0/24", "bogus")
	assert.Error(t, err)

	_, err = New(nil, "10.0.0.0/24", "10.0.1.1")
	assert.ErrorIs(t, err, ErrAddressOutsidePool)

	_, err = New(nil, "10.0.0.0/24", "10.0.0.255")
	assert.ErrorIs(t, err, ErrAddressOutsidePool, "broadcast is not assignable")
}

func TestNew_DefaultSelf(t *testing.T) {
	pool, err := New(nil, "10.0.0.9/24", "")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/24"), pool.Prefix())
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), pool.Self())
}

func TestPool_Initialize(t *testing.T) {
	pool, _ := newTestPool(t, "TestPool_Initialize", "10.0.0.0/24", "10.0.0.1")
	ctx := context.Background()

	require.NoError(t, pool.Initialize(ctx))

	err := pool.Initialize(ctx)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)

	allocs, err := pool.Allocations(ctx)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.True(t, allocs[0].Reserved)
	assert.Nil(t, allocs[0].PeerID)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), allocs[0].Address)
}

func TestPool_Allocate_FirstFitAscending(t *testing.T) {
	pool, db := newTestPool(t, "TestPool_Allocate_FirstFitAscending", "10.0.0.0/24", "10.0.0.1")
	ctx := context.Background()
	require.NoError(t, pool.Initialize(ctx))

	owners := createOwners(t, db, "owner", 3)

	for i, owner := range owners {
		addr, err := pool.Allocate(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 2)}), addr)
	}

	// releasing the middle address makes it the next first fit
	require.NoError(t, pool.Release(ctx, owners[1]))
	extra := createOwners(t, db, "late", 1)[0]
	addr, err := pool.Allocate(ctx, extra)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.3"), addr)
}

func TestPool_Allocate_ExhaustsAfterCapacity(t *testing.T) {
	// /29 has six hosts; one is reserved for the coordinator
	pool, db := newTestPool(t, "TestPool_Allocate_ExhaustsAfterCapacity", "10.0.0.0/29", "10.0.0.1")
	ctx := context.Background()
	require.NoError(t, pool.Initialize(ctx))

	owners := createOwners(t, db, "owner", 6)
	for _, owner := range owners[:5] {
		_, err := pool.Allocate(ctx, owner)
		require.NoError(t, err)
	}

	before, err := pool.Allocations(ctx)
	require.NoError(t, err)

	_, err = pool.Allocate(ctx, owners[5])
	assert.ErrorIs(t, err, ErrPoolExhausted)

	after, err := pool.Allocations(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after), "failed allocation leaves no rows behind")

	_, found, err := pool.Lookup(ctx, owners[5])
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPool_Allocate_OwnerAlreadyHoldsAddress(t *testing.T) {
	pool, db := newTestPool(t, "TestPool_Allocate_OwnerAlreadyHoldsAddress", "10.0.0.0/24", "")
	ctx := context.Background()
	require.NoError(t, pool.Initialize(ctx))

	owner := createOwners(t, db, "owner", 1)[0]
	_, err := pool.Allocate(ctx, owner)
	require.NoError(t, err)

	_, err = pool.Allocate(ctx, owner)
	assert.ErrorIs(t, err, repository.ErrDuplicate)
	assert.False(t, errors.Is(err, ErrAllocationContention))
}

func TestPool_Release(t *testing.T) {
	pool, db := newTestPool(t, "TestPool_Release", "10.0.0.0/24", "10.0.0.1")
	ctx := context.Background()
	require.NoError(t, pool.Initialize(ctx))

	owner := createOwners(t, db, "owner", 1)[0]
	addr, err := pool.Allocate(ctx, owner)
	require.NoError(t, err)

	got, found, err := pool.Lookup(ctx, owner)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, addr, got)

	require.NoError(t, pool.Release(ctx, owner))
	_, found, err = pool.Lookup(ctx, owner)
	require.NoError(t, err)
	assert.False(t, found)

	// releasing again, or releasing an unknown owner, is a no-op
	require.NoError(t, pool.Release(ctx, owner))
	require.NoError(t, pool.Release(ctx, 98765))
}

func TestPool_Release_ReservedIsNoOp(t *testing.T) {
	pool, db := newTestPool(t, "TestPool_Release_ReservedIsNoOp", "10.0.0.0/24", "10.0.0.1")
	ctx := context.Background()

	owner := createOwners(t, db, "owner", 1)[0]
	_, err := db.Exec(`INSERT INTO address_allocations (address, peer_id, reserved, created_at) VALUES (?, ?, 1, ?)`,
		"10.0.0.9", owner, time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, pool.Release(ctx, owner))

	addr, found, err := pool.Lookup(ctx, owner)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, netip.MustParseAddr("10.0.0.9"), addr)
}

func TestPool_WithTx_RollbackDiscardsAllocation(t *testing.T) {
	pool, db := newTestPool(t, "TestPool_WithTx_RollbackDiscardsAllocation", "10.0.0.0/24", "10.0.0.1")
	ctx := context.Background()
	require.NoError(t, pool.Initialize(ctx))
	owner := createOwners(t, db, "owner", 1)[0]

	boom := errors.New("boom")
	err := repository.RunInTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := pool.WithTx(tx).Allocate(ctx, owner); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, found, err := pool.Lookup(ctx, owner)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPool_Allocate_ConcurrentUnique(t *testing.T) {
	pool, db := newTestPool(t, "TestPool_Allocate_ConcurrentUnique", "10.0.0.0/24", "10.0.0.1")
	ctx := context.Background()
	require.NoError(t, pool.Initialize(ctx))

	const workers = 50
	owners := createOwners(t, db, "owner", workers)

	var wg sync.WaitGroup
	results := make([]netip.Addr, workers)
	errs := make([]error, workers)
	for i, owner := range owners {
		wg.Add(1)
		go func(i int, owner int64) {
			defer wg.Done()
			results[i], errs[i] = pool.Allocate(ctx, owner)
		}(i, owner)
	}
	wg.Wait()

	seen := make(map[netip.Addr]bool)
	for i := range owners {
		require.NoError(t, errs[i])
		assert.False(t, seen[results[i]], "address %s handed out twice", results[i])
		assert.NotEqual(t, pool.Self(), results[i])
		seen[results[i]] = true
	}
	assert.Len(t, seen, workers)

	// the allocated set is exactly the lowest 50 non-reserved hosts
	for i := 2; i < workers+2; i++ {
		assert.True(t, seen[netip.AddrFrom4([4]byte{10, 0, 0, byte(i)})])
	}
}

// racingAllocations claims the address a caller is about to insert for a
// rival owner first, as a concurrent allocator committing in between would.
type racingAllocations struct {
	repository.AllocationRepository
	rivals *[]int64
}

func (r racingAllocations) WithTx(tx *sql.Tx) repository.AllocationRepository {
	return racingAllocations{AllocationRepository: r.AllocationRepository.WithTx(tx), rivals: r.rivals}
}

func (r racingAllocations) Insert(ctx context.Context, alloc domain.AddressAllocation) (domain.AddressAllocation, error) {
	if !alloc.Reserved && len(*r.rivals) > 0 {
		rival := (*r.rivals)[0]
		*r.rivals = (*r.rivals)[1:]
		if _, err := r.AllocationRepository.Insert(ctx, domain.AddressAllocation{Address: alloc.Address, PeerID: &rival}); err != nil {
			return domain.AddressAllocation{}, err
		}
	}
	return r.AllocationRepository.Insert(ctx, alloc)
}

func TestPool_Allocate_RescansAfterLostRace(t *testing.T) {
	pool, db := newTestPool(t, "TestPool_Allocate_RescansAfterLostRace", "10.0.0.0/24", "")
	ctx := context.Background()
	require.NoError(t, pool.Initialize(ctx))

	owners := createOwners(t, db, "owner", 2)
	rivals := []int64{owners[1]}
	pool.allocs = racingAllocations{AllocationRepository: pool.allocs, rivals: &rivals}

	addr, err := pool.Allocate(ctx, owners[0])
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.3"), addr, "rescan skips the address the rival took")

	rivalAddr, found, err := pool.Lookup(ctx, owners[1])
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), rivalAddr)
}

func TestPool_Allocate_ContentionAfterTwoLostRaces(t *testing.T) {
	pool, db := newTestPool(t, "TestPool_Allocate_ContentionAfterTwoLostRaces", "10.0.0.0/24", "")
	ctx := context.Background()
	require.NoError(t, pool.Initialize(ctx))

	owners := createOwners(t, db, "owner", 3)
	rivals := []int64{owners[1], owners[2]}
	pool.allocs = racingAllocations{AllocationRepository: pool.allocs, rivals: &rivals}

	_, err := pool.Allocate(ctx, owners[0])
	assert.ErrorIs(t, err, ErrAllocationContention)
	assert.NotErrorIs(t, err, repository.ErrDuplicate)

	// the failed allocation rolled back, rival rows included
	allocs, err := pool.Allocations(ctx)
	require.NoError(t, err)
	assert.Len(t, allocs, 1)
	assert.True(t, allocs[0].Reserved)
}
