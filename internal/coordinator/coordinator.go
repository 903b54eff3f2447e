// Package coordinator ties the registry to the interface synchronizer.
//
// Every mutation of the enabled set commits to the store first and pushes to
// the tunnel engine afterwards. A failed push never undoes the commit; it is
// reported next to the result and the next reconcile converges.
package coordinator

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/jbweber/homelab/aspen/internal/domain"
	"github.com/jbweber/homelab/aspen/internal/ipam"
	"github.com/jbweber/homelab/aspen/internal/registry"
	"github.com/jbweber/homelab/aspen/internal/syncer"
)

// Result is a committed peer mutation and the outcome of the push after it
type Result struct {
	Peer    domain.Peer
	SyncErr error
}

// Coordinator runs peer mutations and the pushes that follow them
type Coordinator struct {
	registry *registry.Registry
	pool     *ipam.Pool
	syncer   *syncer.Synchronizer
}

// New creates a coordinator
func New(reg *registry.Registry, pool *ipam.Pool, s *syncer.Synchronizer) *Coordinator {
	return &Coordinator{registry: reg, pool: pool, syncer: s}
}

// Start reserves the pool's self address and performs the first push.
// Restarting against an initialized store is expected.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.pool.Initialize(ctx); err != nil {
		if !errors.Is(err, ipam.ErrAlreadyInitialized) {
			return err
		}
		log.Printf("address pool %s already initialized", c.pool.Prefix())
	} else {
		log.Printf("address pool %s initialized, reserved %s, %s assignable addresses", c.pool.Prefix(), c.pool.Self(), ipam.Capacity(c.pool.Prefix()))
	}

	if err := c.Reconcile(ctx); err != nil {
		log.Printf("initial reconcile failed: %v", err)
	}
	return nil
}

// RegisterPeer registers a peer and pushes the new enabled set
func (c *Coordinator) RegisterPeer(ctx context.Context, req registry.RegisterRequest) (Result, error) {
	peer, err := c.registry.Register(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return Result{Peer: peer, SyncErr: c.push(ctx)}, nil
}

// UpdatePeer applies a partial update and pushes when enablement changed
func (c *Coordinator) UpdatePeer(ctx context.Context, id int64, update domain.PeerUpdate) (Result, error) {
	peer, changed, err := c.registry.Update(ctx, id, update)
	if err != nil {
		return Result{}, err
	}
	if !changed {
		return Result{Peer: peer}, nil
	}
	return Result{Peer: peer, SyncErr: c.push(ctx)}, nil
}

// SetPeerEnabled toggles a peer and pushes
func (c *Coordinator) SetPeerEnabled(ctx context.Context, id int64, enabled bool) (Result, error) {
	peer, err := c.registry.SetEnabled(ctx, id, enabled)
	if err != nil {
		return Result{}, err
	}
	return Result{Peer: peer, SyncErr: c.push(ctx)}, nil
}

// DeletePeer removes a peer, releases its address and pushes
func (c *Coordinator) DeletePeer(ctx context.Context, id int64) (Result, error) {
	peer, err := c.registry.Delete(ctx, id)
	if err != nil {
		return Result{}, err
	}
	return Result{Peer: peer, SyncErr: c.push(ctx)}, nil
}

// Reconcile pushes the current enabled set regardless of any request
func (c *Coordinator) Reconcile(ctx context.Context) error {
	return c.syncer.ReconcileNow(ctx)
}

// SyncStatus returns when the last push finished and its result
func (c *Coordinator) SyncStatus() (time.Time, error) {
	return c.syncer.Status()
}

// push runs detached from the request so a caller that goes away after the
// commit cannot cut the push short. The synchronizer's own timeout bounds it.
func (c *Coordinator) push(ctx context.Context) error {
	err := c.syncer.ReconcileNow(context.WithoutCancel(ctx))
	if err != nil {
		log.Printf("push after commit failed: %v", err)
	}
	return err
}
