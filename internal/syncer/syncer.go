// Package syncer rebuilds the tunnel interface's peer set from the registry.
//
// Every push is a full replace: the interface is torn down, recreated and
// repopulated. Pushes are serialized, and a push that reads the enabled set
// holds the push lock from the read until the interface is repopulated, so a
// later read is never overwritten by an earlier one.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jbweber/homelab/aspen/internal/domain"
	"github.com/jbweber/homelab/aspen/internal/tunnel"
)

// ErrSyncPartialFailure is matched by every PartialFailureError
var ErrSyncPartialFailure = errors.New("interface sync incomplete")

// DefaultTimeout bounds a single push when none is configured.
const DefaultTimeout = 10 * time.Second

// PartialFailureError lists the clients that could not be installed. The
// others stay installed.
type PartialFailureError struct {
	Failed map[netip.Addr]error
}

func (e *PartialFailureError) Error() string {
	addrs := e.Addresses()
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, fmt.Sprintf("%s: %v", a, e.Failed[a]))
	}
	return fmt.Sprintf("%v: %d client(s) failed: %s", ErrSyncPartialFailure, len(addrs), strings.Join(parts, "; "))
}

func (e *PartialFailureError) Is(target error) bool {
	return target == ErrSyncPartialFailure
}

// Addresses returns the failed addresses in ascending order
func (e *PartialFailureError) Addresses() []netip.Addr {
	addrs := make([]netip.Addr, 0, len(e.Failed))
	for a := range e.Failed {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
	return addrs
}

// Client is one entry of the pushed peer set
type Client struct {
	PublicKey string
	Address   netip.Addr
}

// Source supplies the enabled peer set
type Source interface {
	EnabledPeers(ctx context.Context) ([]domain.Peer, error)
}

// Synchronizer pushes the enabled set into a tunnel engine
type Synchronizer struct {
	engine  tunnel.Engine
	source  Source
	timeout time.Duration

	// push is held from reading the enabled set until the push completes
	push *semaphore.Weighted

	mu       sync.Mutex
	lastSync time.Time
	lastErr  error
}

// New creates a synchronizer. A non-positive timeout uses DefaultTimeout.
func New(engine tunnel.Engine, source Source, timeout time.Duration) *Synchronizer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Synchronizer{
		engine:  engine,
		source:  source,
		timeout: timeout,
		push:    semaphore.NewWeighted(1),
	}
}

// Reconcile makes the interface's client set exactly clients. Clients are
// installed in ascending address order; add failures are collected into a
// PartialFailureError and do not stop the remaining adds.
func (s *Synchronizer) Reconcile(ctx context.Context, clients []Client) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.push.Release(1)

	return s.record(s.reconcile(ctx, clients))
}

// acquire waits for the in-flight push. The wait is bounded by the push
// timeout.
func (s *Synchronizer) acquire(ctx context.Context) error {
	wait, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.push.Acquire(wait, 1); err != nil {
		return s.record(fmt.Errorf("waiting for in-flight push: %w", err))
	}
	return nil
}

func (s *Synchronizer) record(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync = time.Now().UTC()
	s.lastErr = err
	return err
}

func (s *Synchronizer) reconcile(ctx context.Context, clients []Client) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sorted := append([]Client(nil), clients...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Address.Less(sorted[j].Address)
	})

	if err := s.engine.DestroyInterface(ctx); err != nil {
		return fmt.Errorf("failed to destroy interface: %w", err)
	}
	if err := s.engine.CreateInterface(ctx); err != nil {
		return fmt.Errorf("failed to create interface: %w", err)
	}
	if err := s.engine.Enable(ctx); err != nil {
		return fmt.Errorf("failed to enable interface: %w", err)
	}

	failed := make(map[netip.Addr]error)
	for _, c := range sorted {
		if err := ctx.Err(); err != nil {
			failed[c.Address] = err
			continue
		}
		if err := s.engine.AddClient(ctx, c.PublicKey, c.Address); err != nil {
			failed[c.Address] = err
		}
	}

	if len(failed) > 0 {
		perr := &PartialFailureError{Failed: failed}
		log.Printf("interface sync: installed %d of %d peers, failed: %v", len(sorted)-len(failed), len(sorted), perr.Addresses())
		return perr
	}
	log.Printf("interface sync: installed %d peers", len(sorted))
	return nil
}

// ReconcileNow reads the enabled set from the source and pushes it. The read
// and the push form one critical section.
func (s *Synchronizer) ReconcileNow(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.push.Release(1)

	peers, err := s.source.EnabledPeers(ctx)
	if err != nil {
		return s.record(fmt.Errorf("failed to load enabled peers: %w", err))
	}
	return s.record(s.reconcile(ctx, ClientsFromPeers(peers)))
}

// Run reconciles every interval until ctx is done. Failures are logged and
// retried on the next tick.
func (s *Synchronizer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.ReconcileNow(ctx); err != nil && ctx.Err() == nil {
				log.Printf("periodic reconcile failed: %v", err)
			}
		}
	}
}

// Status returns when the last push finished and its result
func (s *Synchronizer) Status() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync, s.lastErr
}

// ClientsFromPeers keeps the enabled peers that hold an address
func ClientsFromPeers(peers []domain.Peer) []Client {
	clients := make([]Client, 0, len(peers))
	for _, p := range peers {
		if !p.Enabled || !p.Address.IsValid() {
			continue
		}
		clients = append(clients, Client{PublicKey: p.PublicKey, Address: p.Address})
	}
	return clients
}
