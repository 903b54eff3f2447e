package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"net/netip"
	"os/exec"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// DeviceConfigurer applies WireGuard device configuration. *wgctrl.Client
// satisfies it.
type DeviceConfigurer interface {
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Close() error
}

// CommandRunner executes a system command
type CommandRunner func(ctx context.Context, name string, args ...string) error

// WireGuard manages a kernel WireGuard interface through `ip` and wgctrl
type WireGuard struct {
	settings Settings
	key      wgtypes.Key
	run      CommandRunner
	open     func() (DeviceConfigurer, error)
}

// WireGuardOption configures a WireGuard engine
type WireGuardOption func(*WireGuard)

// WithCommandRunner replaces the command runner
func WithCommandRunner(run CommandRunner) WireGuardOption {
	return func(w *WireGuard) {
		w.run = run
	}
}

// WithDeviceConfigurer replaces the wgctrl client factory
func WithDeviceConfigurer(open func() (DeviceConfigurer, error)) WireGuardOption {
	return func(w *WireGuard) {
		w.open = open
	}
}

// NewWireGuard creates a WireGuard engine for settings
func NewWireGuard(settings Settings, opts ...WireGuardOption) (*WireGuard, error) {
	if settings.Name == "" {
		return nil, fmt.Errorf("interface name is required")
	}
	if !settings.Address.IsValid() {
		return nil, fmt.Errorf("interface address is required")
	}
	key, err := wgtypes.ParseKey(settings.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid interface private key: %w", err)
	}

	w := &WireGuard{
		settings: settings,
		key:      key,
		run:      runCommand,
		open: func() (DeviceConfigurer, error) {
			return wgctrl.New()
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// PublicKey returns the interface's public key
func (w *WireGuard) PublicKey() string {
	return w.key.PublicKey().String()
}

// CreateInterface adds the link, assigns its address and loads the private key
func (w *WireGuard) CreateInterface(ctx context.Context) error {
	name := w.settings.Name
	if err := w.run(ctx, "ip", "link", "add", "dev", name, "type", "wireguard"); err != nil {
		return fmt.Errorf("failed to create interface %s: %w", name, err)
	}
	if err := w.run(ctx, "ip", "address", "add", w.settings.Address.String(), "dev", name); err != nil {
		return fmt.Errorf("failed to assign %s to %s: %w", w.settings.Address, name, err)
	}

	port := w.settings.ListenPort
	return w.configure(fmt.Sprintf("configure %s", name), wgtypes.Config{
		PrivateKey:   &w.key,
		ListenPort:   &port,
		ReplacePeers: true,
	})
}

// DestroyInterface deletes the link. A missing link is not an error.
func (w *WireGuard) DestroyInterface(ctx context.Context) error {
	name := w.settings.Name
	err := w.run(ctx, "ip", "link", "del", "dev", name)
	if err != nil {
		if strings.Contains(err.Error(), "Cannot find device") {
			return nil
		}
		return fmt.Errorf("failed to destroy interface %s: %w", name, err)
	}
	return nil
}

// Enable brings the link up
func (w *WireGuard) Enable(ctx context.Context) error {
	if err := w.run(ctx, "ip", "link", "set", "up", "dev", w.settings.Name); err != nil {
		return fmt.Errorf("failed to bring up %s: %w", w.settings.Name, err)
	}
	return nil
}

// AddClient installs one peer whose only allowed address is addr
func (w *WireGuard) AddClient(ctx context.Context, publicKey string, addr netip.Addr) error {
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return fmt.Errorf("invalid client key for %s: %w", addr, err)
	}

	prefix := netip.PrefixFrom(addr, addr.BitLen())
	allowed := net.IPNet{
		IP:   net.IP(addr.AsSlice()),
		Mask: net.CIDRMask(prefix.Bits(), addr.BitLen()),
	}

	return w.configure(fmt.Sprintf("add client %s", addr), wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{
			PublicKey:         key,
			ReplaceAllowedIPs: true,
			AllowedIPs:        []net.IPNet{allowed},
		}},
	})
}

func (w *WireGuard) configure(what string, cfg wgtypes.Config) error {
	client, err := w.open()
	if err != nil {
		return fmt.Errorf("failed to open wgctrl: %w", err)
	}
	defer client.Close()

	if err := client.ConfigureDevice(w.settings.Name, cfg); err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		log.Printf("command '%s %s' failed: %v: %s", name, strings.Join(args, " "), err, msg)
		if msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}
