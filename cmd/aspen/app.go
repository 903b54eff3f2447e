package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"

	"github.com/jbweber/homelab/aspen/internal/api"
	"github.com/jbweber/homelab/aspen/internal/config"
	"github.com/jbweber/homelab/aspen/internal/coordinator"
	"github.com/jbweber/homelab/aspen/internal/invite"
	"github.com/jbweber/homelab/aspen/internal/ipam"
	"github.com/jbweber/homelab/aspen/internal/registry"
	"github.com/jbweber/homelab/aspen/internal/syncer"
	"github.com/jbweber/homelab/aspen/internal/tunnel"
)

// app is the composition root shared by every subcommand
type app struct {
	cfg      *config.Config
	db       *sql.DB
	pool     *ipam.Pool
	issuer   *invite.Issuer
	registry *registry.Registry
	engine   tunnel.Engine
	syncer   *syncer.Synchronizer
	coord    *coordinator.Coordinator
	info     api.ServerInfo
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := cfg.InitializeDatabase(ctx)
	if err != nil {
		return nil, err
	}

	a, err := wire(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func wire(db *sql.DB, cfg *config.Config) (*app, error) {
	pool, err := ipam.New(db, cfg.NetworkCIDR, cfg.ServerAddress)
	if err != nil {
		return nil, err
	}

	key, err := tunnel.LoadOrGenerateKey(cfg.KeyPath())
	if err != nil {
		return nil, err
	}

	engine, err := tunnel.New(cfg.Interface.Engine, tunnel.Settings{
		Name:       cfg.Interface.Name,
		ListenPort: cfg.Interface.ListenPort,
		Address:    netip.PrefixFrom(pool.Self(), pool.Prefix().Bits()),
		PrivateKey: key.String(),
	})
	if err != nil {
		return nil, err
	}

	issuer := invite.NewIssuer(db)
	reg := registry.New(db, pool, issuer, registry.RequireInvites(cfg.RequireInvites))
	synchronizer := syncer.New(engine, reg, cfg.SyncTimeout)

	return &app{
		cfg:      cfg,
		db:       db,
		pool:     pool,
		issuer:   issuer,
		registry: reg,
		engine:   engine,
		syncer:   synchronizer,
		coord:    coordinator.New(reg, pool, synchronizer),
		info: api.ServerInfo{
			PublicKey:     key.PublicKey().String(),
			Endpoint:      cfg.Endpoint,
			ListenPort:    cfg.Interface.ListenPort,
			NetworkCIDR:   pool.Prefix().String(),
			ServerAddress: pool.Self().String(),
		},
	}, nil
}

func (a *app) Close() error {
	if err := a.registry.Close(); err != nil {
		return fmt.Errorf("failed to close registry: %w", err)
	}
	return a.db.Close()
}
