// Package tunnel drives the tunnel engine that carries overlay traffic.
package tunnel

import (
	"context"
	"fmt"
	"net/netip"
)

// Engine is the tunnel capability the synchronizer pushes peers into.
type Engine interface {
	CreateInterface(ctx context.Context) error
	DestroyInterface(ctx context.Context) error
	Enable(ctx context.Context) error
	AddClient(ctx context.Context, publicKey string, addr netip.Addr) error
}

// Engine names accepted by New.
const (
	EngineWireGuard = "wireguard"
	EngineMemory    = "memory"
)

// Settings describes the interface an engine manages
type Settings struct {
	Name       string
	ListenPort int
	Address    netip.Prefix // interface address with the overlay prefix length
	PrivateKey string       // base64 WireGuard private key
}

// New returns the engine registered under kind
func New(kind string, settings Settings) (Engine, error) {
	switch kind {
	case EngineWireGuard:
		return NewWireGuard(settings)
	case EngineMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown tunnel engine %q", kind)
	}
}
