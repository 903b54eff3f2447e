package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/jbweber/homelab/aspen/internal/registry"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "aspen.yaml")
	cfg := fmt.Sprintf(`db_path: %s
network_cidr: 10.42.0.0/29
endpoint: vpn.example.com:51820
interface:
  engine: memory
  private_key_path: %s
`, filepath.Join(dir, "aspen.db"), filepath.Join(dir, "server.key"))
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", ""))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMigrate(t *testing.T) {
	cfg := writeTestConfig(t)

	out, err := run(t, "migrate", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "schema at version 10")
}

func TestInviteCreateAndList(t *testing.T) {
	cfg := writeTestConfig(t)

	out, err := run(t, "invite", "create", "--config", cfg, "--expires-in", "1h", "--description", "for bob")
	require.NoError(t, err)
	code := strings.TrimSpace(out)
	assert.Len(t, code, 43)

	out, err = run(t, "invite", "list", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, code)
	assert.Contains(t, out, "open")
	assert.Contains(t, out, "for bob")
}

func TestPeerListAndReconcile(t *testing.T) {
	cfgPath := writeTestConfig(t)

	opts := &rootOptions{configPath: cfgPath}
	cfg, err := opts.loadConfig()
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, a.coord.Start(context.Background()))

	key, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	res, err := a.coord.RegisterPeer(context.Background(), registry.RegisterRequest{Name: "alice", PublicKey: key.PublicKey().String()})
	require.NoError(t, err)
	assert.Equal(t, "10.42.0.2", res.Peer.Address.String())
	assert.Equal(t, "10.42.0.1", a.info.ServerAddress)
	require.NoError(t, a.Close())

	out, err := run(t, "peer", "list", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "10.42.0.2")

	out, err = run(t, "reconcile", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "reconciled")
}

func TestFlagsOverrideConfig(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, err := run(t, "migrate", "--config", cfgPath, "--engine", "ipsec")
	assert.ErrorContains(t, err, "unknown interface engine")

	dbPath := filepath.Join(t.TempDir(), "other.db")
	_, err = run(t, "migrate", "--config", cfgPath, "--db", dbPath)
	require.NoError(t, err)
	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}
