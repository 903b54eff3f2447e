package syncer

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/aspen/internal/domain"
	"github.com/jbweber/homelab/aspen/internal/tunnel"
)

type staticSource struct {
	peers []domain.Peer
	err   error
}

func (s *staticSource) EnabledPeers(ctx context.Context) ([]domain.Peer, error) {
	return s.peers, s.err
}

// brokenEngine fails at a chosen stage
type brokenEngine struct {
	*tunnel.Memory
	createErr error
}

func (b *brokenEngine) CreateInterface(ctx context.Context) error {
	if b.createErr != nil {
		return b.createErr
	}
	return b.Memory.CreateInterface(ctx)
}

func TestReconcile_FullReplace(t *testing.T) {
	engine := tunnel.NewMemory()
	s := New(engine, &staticSource{}, time.Second)
	ctx := context.Background()

	require.NoError(t, s.Reconcile(ctx, []Client{
		{PublicKey: "old", Address: netip.MustParseAddr("10.0.0.9")},
	}))
	require.NoError(t, s.Reconcile(ctx, nil))
	assert.Empty(t, engine.Clients())
	assert.True(t, engine.Up())

	x := Client{PublicKey: "K1", Address: netip.MustParseAddr("10.0.0.2")}
	require.NoError(t, s.Reconcile(ctx, []Client{x}))
	assert.Equal(t, []tunnel.Client{{PublicKey: "K1", Address: x.Address}}, engine.Clients())
}

func TestReconcile_OrderByAddress(t *testing.T) {
	engine := tunnel.NewMemory()
	s := New(engine, &staticSource{}, time.Second)

	require.NoError(t, s.Reconcile(context.Background(), []Client{
		{PublicKey: "c", Address: netip.MustParseAddr("10.0.0.10")},
		{PublicKey: "a", Address: netip.MustParseAddr("10.0.0.2")},
		{PublicKey: "b", Address: netip.MustParseAddr("10.0.0.3")},
	}))

	assert.Equal(t, []string{
		"destroy", "create", "enable",
		"add 10.0.0.2", "add 10.0.0.3", "add 10.0.0.10",
	}, engine.Calls())
}

func TestReconcile_PartialFailure(t *testing.T) {
	engine := tunnel.NewMemory()
	s := New(engine, &staticSource{}, time.Second)

	bad := netip.MustParseAddr("10.0.0.3")
	engine.FailAddClient(bad, errors.New("device busy"))

	err := s.Reconcile(context.Background(), []Client{
		{PublicKey: "a", Address: netip.MustParseAddr("10.0.0.2")},
		{PublicKey: "b", Address: bad},
		{PublicKey: "c", Address: netip.MustParseAddr("10.0.0.4")},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSyncPartialFailure)

	var perr *PartialFailureError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, []netip.Addr{bad}, perr.Addresses())
	assert.Contains(t, err.Error(), "device busy")

	// the others stay installed
	clients := engine.Clients()
	require.Len(t, clients, 2)
	assert.Equal(t, "a", clients[0].PublicKey)
	assert.Equal(t, "c", clients[1].PublicKey)

	last, lastErr := s.Status()
	assert.False(t, last.IsZero())
	assert.ErrorIs(t, lastErr, ErrSyncPartialFailure)

	// the next push converges
	engine.FailAddClient(bad, nil)
	require.NoError(t, s.Reconcile(context.Background(), []Client{
		{PublicKey: "a", Address: netip.MustParseAddr("10.0.0.2")},
		{PublicKey: "b", Address: bad},
	}))
	assert.Len(t, engine.Clients(), 2)
	_, lastErr = s.Status()
	assert.NoError(t, lastErr)
}

func TestReconcile_InterfaceFailure(t *testing.T) {
	engine := &brokenEngine{Memory: tunnel.NewMemory(), createErr: errors.New("no permission")}
	s := New(engine, &staticSource{}, time.Second)

	err := s.Reconcile(context.Background(), []Client{{PublicKey: "a", Address: netip.MustParseAddr("10.0.0.2")}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSyncPartialFailure)
	assert.ErrorContains(t, err, "no permission")
}

func TestReconcile_CancelledContext(t *testing.T) {
	engine := tunnel.NewMemory()
	s := New(engine, &staticSource{}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Reconcile(ctx, []Client{{PublicKey: "a", Address: netip.MustParseAddr("10.0.0.2")}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, engine.Clients())
	assert.Empty(t, engine.Calls(), "a cancelled caller never touches the interface")

	_, lastErr := s.Status()
	assert.ErrorIs(t, lastErr, context.Canceled)
}

// gatedSource returns its current peer set, but the first read blocks after
// taking the snapshot until release is closed.
type gatedSource struct {
	mu      sync.Mutex
	peers   []domain.Peer
	reads   int
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSource) set(peers []domain.Peer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peers = peers
}

func (g *gatedSource) EnabledPeers(ctx context.Context) ([]domain.Peer, error) {
	g.mu.Lock()
	snapshot := append([]domain.Peer(nil), g.peers...)
	g.reads++
	first := g.reads == 1
	g.mu.Unlock()

	if first {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return snapshot, nil
}

func TestReconcileNow_LaterReadWins(t *testing.T) {
	engine := tunnel.NewMemory()
	alice := domain.Peer{Name: "alice", PublicKey: "A", Address: netip.MustParseAddr("10.0.0.2"), Enabled: true}
	src := &gatedSource{
		peers:   []domain.Peer{alice},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s := New(engine, src, 5*time.Second)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- s.ReconcileNow(ctx) }()
	<-src.entered

	// alice is disabled and committed while the first push holds its snapshot
	src.set(nil)
	second := make(chan error, 1)
	go func() { second <- s.ReconcileNow(ctx) }()

	select {
	case err := <-second:
		t.Fatalf("second push finished before the first released: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(src.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	assert.Empty(t, engine.Clients(), "interface must match the newest enabled set")
}

func TestReconcileNow_WaitBoundedByTimeout(t *testing.T) {
	src := &gatedSource{
		peers:   nil,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s := New(tunnel.NewMemory(), src, 50*time.Millisecond)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- s.ReconcileNow(ctx) }()
	<-src.entered

	err := s.Reconcile(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorContains(t, err, "in-flight push")

	close(src.release)
	require.NoError(t, <-first)
}

func TestReconcileNow(t *testing.T) {
	engine := tunnel.NewMemory()
	src := &staticSource{peers: []domain.Peer{
		{Name: "alice", PublicKey: "K1", Address: netip.MustParseAddr("10.0.0.2"), Enabled: true},
		{Name: "bob", PublicKey: "K2", Address: netip.MustParseAddr("10.0.0.3"), Enabled: false},
		{Name: "carol", PublicKey: "K3", Enabled: true},
	}}
	s := New(engine, src, 0)

	require.NoError(t, s.ReconcileNow(context.Background()))
	assert.Equal(t, []tunnel.Client{{PublicKey: "K1", Address: netip.MustParseAddr("10.0.0.2")}}, engine.Clients())

	src.err = errors.New("database is locked")
	err := s.ReconcileNow(context.Background())
	assert.ErrorContains(t, err, "database is locked")
}

func TestRun(t *testing.T) {
	engine := tunnel.NewMemory()
	src := &staticSource{peers: []domain.Peer{
		{PublicKey: "K1", Address: netip.MustParseAddr("10.0.0.2"), Enabled: true},
	}}
	s := New(engine, src, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 10*time.Millisecond) }()

	assert.Eventually(t, func() bool {
		return len(engine.Clients()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRun_Disabled(t *testing.T) {
	s := New(tunnel.NewMemory(), &staticSource{}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.Run(ctx, 0))
}
