package tunnel

import (
	"context"
	"errors"
	"net/netip"
	"sort"
	"sync"
)

// ErrInterfaceDown is returned by the memory engine when clients are added
// to an interface that does not exist.
var ErrInterfaceDown = errors.New("interface does not exist")

// Client is one peer installed on an interface
type Client struct {
	PublicKey string
	Address   netip.Addr
}

// Memory is an in-process engine that only records what it was told. It
// backs tests and hosts without WireGuard.
type Memory struct {
	mu      sync.Mutex
	exists  bool
	up      bool
	clients map[netip.Addr]Client
	fail    map[netip.Addr]error
	calls   []string
}

// NewMemory returns an empty memory engine
func NewMemory() *Memory {
	return &Memory{
		clients: make(map[netip.Addr]Client),
		fail:    make(map[netip.Addr]error),
	}
}

// FailAddClient makes AddClient return err for addr. A nil err clears it.
func (m *Memory) FailAddClient(addr netip.Addr, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, addr)
		return
	}
	m.fail[addr] = err
}

func (m *Memory) CreateInterface(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "create")
	m.exists = true
	m.up = false
	m.clients = make(map[netip.Addr]Client)
	return nil
}

func (m *Memory) DestroyInterface(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "destroy")
	m.exists = false
	m.up = false
	m.clients = make(map[netip.Addr]Client)
	return nil
}

func (m *Memory) Enable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "enable")
	if !m.exists {
		return ErrInterfaceDown
	}
	m.up = true
	return nil
}

func (m *Memory) AddClient(ctx context.Context, publicKey string, addr netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "add "+addr.String())
	if !m.exists {
		return ErrInterfaceDown
	}
	if err := m.fail[addr]; err != nil {
		return err
	}
	m.clients[addr] = Client{PublicKey: publicKey, Address: addr}
	return nil
}

// Clients returns the installed clients sorted by address
func (m *Memory) Clients() []Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	clients := make([]Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].Address.Less(clients[j].Address)
	})
	return clients
}

// Up reports whether the interface exists and is enabled
func (m *Memory) Up() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exists && m.up
}

// Calls returns the engine calls seen so far, in order
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}
