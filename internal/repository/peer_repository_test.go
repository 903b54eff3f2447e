package repository

import (
	"context"
	"database/sql"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/aspen/internal/domain"
	"github.com/jbweber/homelab/aspen/internal/testutil"
)

func newTestPeer(name string) domain.Peer {
	return domain.Peer{
		Name:      name,
		PublicKey: "pk-" + name,
		Token:     "token-" + name,
		Enabled:   true,
	}
}

func TestPeerRepository_Save_Create(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestPeerRepository_Save_Create")
	defer cleanup()

	repo := NewPeerRepository(db)
	defer repo.Close()

	saved, err := repo.Save(context.Background(), newTestPeer("alice"))
	require.NoError(t, err)
	assert.NotZero(t, saved.ID)
	assert.False(t, saved.CreatedAt.IsZero())

	found, err := repo.FindByID(context.Background(), saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", found.Name)
	assert.Equal(t, "pk-alice", found.PublicKey)
	assert.True(t, found.Enabled)
	assert.False(t, found.Admin)
	assert.False(t, found.Address.IsValid())
}

func TestPeerRepository_Save_Validation(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestPeerRepository_Save_Validation")
	defer cleanup()

	repo := NewPeerRepository(db)
	defer repo.Close()

	_, err := repo.Save(context.Background(), domain.Peer{PublicKey: "pk", Token: "t"})
	assert.ErrorIs(t, err, ErrInvalidEntity)

	_, err = repo.Save(context.Background(), domain.Peer{Name: "n", Token: "t"})
	assert.ErrorIs(t, err, ErrInvalidEntity)

	_, err = repo.Save(context.Background(), domain.Peer{Name: "n", PublicKey: "pk"})
	assert.ErrorIs(t, err, ErrInvalidEntity)
}

func TestPeerRepository_Save_Duplicate(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestPeerRepository_Save_Duplicate")
	defer cleanup()

	repo := NewPeerRepository(db)
	defer repo.Close()
	ctx := context.Background()

	_, err := repo.Save(ctx, newTestPeer("alice"))
	require.NoError(t, err)

	dup := newTestPeer("alice")
	dup.PublicKey = "other"
	dup.Token = "other"
	_, err = repo.Save(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestPeerRepository_Save_Update(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestPeerRepository_Save_Update")
	defer cleanup()

	repo := NewPeerRepository(db)
	defer repo.Close()
	ctx := context.Background()

	saved, err := repo.Save(ctx, newTestPeer("alice"))
	require.NoError(t, err)

	saved.Description = "laptop"
	saved.Admin = true
	updated, err := repo.Save(ctx, saved)
	require.NoError(t, err)
	assert.Equal(t, "laptop", updated.Description)
	assert.True(t, updated.Admin)

	_, err = repo.Save(ctx, domain.Peer{ID: 9999, Name: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPeerRepository_Finders(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestPeerRepository_Finders")
	defer cleanup()

	repo := NewPeerRepository(db)
	defer repo.Close()
	ctx := context.Background()

	saved, err := repo.Save(ctx, newTestPeer("alice"))
	require.NoError(t, err)

	byName, err := repo.FindByName(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, saved.ID, byName.ID)

	byKey, err := repo.FindByPublicKey(ctx, "pk-alice")
	require.NoError(t, err)
	assert.Equal(t, saved.ID, byKey.ID)

	byToken, err := repo.FindByToken(ctx, "token-alice")
	require.NoError(t, err)
	assert.Equal(t, saved.ID, byToken.ID)

	// second lookup is served from the statement cache
	_, err = repo.FindByToken(ctx, "token-alice")
	require.NoError(t, err)

	_, err = repo.FindByName(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.FindByToken(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.FindByID(ctx, 12345)
	assert.ErrorIs(t, err, ErrNotFound)

	exists, err := repo.ExistsByID(ctx, saved.ID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPeerRepository_FindPageAndCount(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestPeerRepository_FindPageAndCount")
	defer cleanup()

	repo := NewPeerRepository(db)
	defer repo.Close()
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c", "d"} {
		_, err := repo.Save(ctx, newTestPeer(name))
		require.NoError(t, err)
	}

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	page, err := repo.FindPage(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].Name)
	assert.Equal(t, "c", page[1].Name)

	all, err := repo.FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestPeerRepository_SetAddressAndFindEnabled(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestPeerRepository_SetAddressAndFindEnabled")
	defer cleanup()

	repo := NewPeerRepository(db)
	defer repo.Close()
	ctx := context.Background()

	alice, err := repo.Save(ctx, newTestPeer("alice"))
	require.NoError(t, err)
	bob, err := repo.Save(ctx, newTestPeer("bob"))
	require.NoError(t, err)

	// peers without an address are never reported as enabled
	enabled, err := repo.FindEnabled(ctx)
	require.NoError(t, err)
	assert.Empty(t, enabled)

	require.NoError(t, repo.SetAddress(ctx, alice.ID, netip.MustParseAddr("10.0.0.2")))
	require.NoError(t, repo.SetAddress(ctx, bob.ID, netip.MustParseAddr("10.0.0.3")))

	err = repo.SetAddress(ctx, bob.ID, netip.MustParseAddr("10.0.0.2"))
	assert.ErrorIs(t, err, ErrDuplicate)

	disabled, err := repo.SetEnabled(ctx, bob.ID, false)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)

	enabled, err = repo.FindEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "alice", enabled[0].Name)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), enabled[0].Address)

	reenabled, err := repo.SetEnabled(ctx, bob.ID, true)
	require.NoError(t, err)
	assert.True(t, reenabled.Enabled)
	assert.NotNil(t, reenabled.LastSeen)

	_, err = repo.SetEnabled(ctx, 999, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPeerRepository_DeleteByID(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestPeerRepository_DeleteByID")
	defer cleanup()

	repo := NewPeerRepository(db)
	defer repo.Close()
	ctx := context.Background()

	saved, err := repo.Save(ctx, newTestPeer("alice"))
	require.NoError(t, err)

	require.NoError(t, repo.DeleteByID(ctx, saved.ID))
	assert.ErrorIs(t, repo.DeleteByID(ctx, saved.ID), ErrNotFound)
}

func TestPeerRepository_WithTx_Rollback(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestPeerRepository_WithTx_Rollback")
	defer cleanup()

	repo := NewPeerRepository(db)
	defer repo.Close()
	ctx := context.Background()

	boom := errors.New("boom")
	err := RunInTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := repo.WithTx(tx).Save(ctx, newTestPeer("alice")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	err = RunInTx(ctx, db, func(tx *sql.Tx) error {
		_, err := repo.WithTx(tx).Save(ctx, newTestPeer("alice"))
		return err
	})
	require.NoError(t, err)

	count, err = repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestPeerRepository_BootstrapClaim(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestPeerRepository_BootstrapClaim")
	defer cleanup()

	repo := NewPeerRepository(db)
	defer repo.Close()
	ctx := context.Background()

	claimed, err := repo.BootstrapClaimed(ctx)
	require.NoError(t, err)
	assert.False(t, claimed)

	alice, err := repo.Save(ctx, newTestPeer("alice"))
	require.NoError(t, err)
	require.NoError(t, repo.ClaimBootstrap(ctx, alice.ID))

	err = repo.ClaimBootstrap(ctx, alice.ID+1)
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, repo.DeleteByID(ctx, alice.ID))
	claimed, err = repo.BootstrapClaimed(ctx)
	require.NoError(t, err)
	assert.True(t, claimed, "claim survives the peer")
}
