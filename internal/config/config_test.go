package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/unl/pkg/p2pnet"
	"github.com/saintparish4/unl/pkg/types"
)

const sample = `
[node]
peer_id = "node-1"
mode = "direct"
role = "simultaneous"
nat = "delta"
passive_port = 12000
duplicate_ip_cons = "off"
advertise = "on"
duplicate_messages = false
dedup_ttl = "90s"

[servers]
rendezvous = ["198.51.100.1:8571", "198.51.100.2:8571"]
forwarding = ["198.51.100.3:9000"]
directory = "ws://198.51.100.1:8572/ws"

[punch]
max_attempts = 5
backoff_base = "500ms"

[portmap]
enabled = true
lifetime = "30m"
`

func TestParse(t *testing.T) {
	f, err := Parse(sample)
	require.NoError(t, err)

	assert.Equal(t, types.ModeDirect, f.Node.Mode)
	assert.Equal(t, types.RoleSimultaneous, f.Node.Role)
	assert.Equal(t, types.NatDelta, f.Node.NAT)
	assert.Equal(t, types.SwitchOff, f.Node.DuplicateIPCons)
	assert.Equal(t, types.SwitchOn, f.Node.Advertise)
	assert.Equal(t, types.SwitchDefault, f.Node.Bootstrap)
	assert.Equal(t, 90*time.Second, f.Node.DedupTTL)

	// untouched keys keep their defaults
	def := Default()
	assert.Equal(t, def.Node.PassiveBind, f.Node.PassiveBind)
	assert.Equal(t, def.Node.MaxOutbound, f.Node.MaxOutbound)
	assert.Equal(t, def.Punch.BackoffMax, f.Punch.BackoffMax)
	assert.Equal(t, def.Log.Level, f.Log.Level)
}

func TestNetConfig(t *testing.T) {
	f, err := Parse(sample)
	require.NoError(t, err)
	cfg := f.NetConfig()

	assert.Equal(t, "node-1", cfg.PeerID)
	assert.Equal(t, types.ModeDirect, cfg.Mode)
	assert.Equal(t, 12000, cfg.PassivePort)
	assert.False(t, cfg.DuplicateMessages)
	assert.Equal(t, []string{"198.51.100.1:8571", "198.51.100.2:8571"}, cfg.RendezvousServers)
	assert.Equal(t, []string{"198.51.100.3:9000"}, cfg.ForwardingServers)
	assert.Equal(t, "ws://198.51.100.1:8572/ws", cfg.DirectoryURL)
	assert.Equal(t, 5, cfg.Punch.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Punch.BackoffBase)
	assert.True(t, cfg.PortMapping)
	assert.Equal(t, 30*time.Minute, cfg.PortMappingLifetime)
}

func TestDefaultMatchesNetDefaults(t *testing.T) {
	got := Default().NetConfig()
	want := p2pnet.DefaultConfig()
	assert.Equal(t, want.Mode, got.Mode)
	assert.Equal(t, want.PassivePort, got.PassivePort)
	assert.Equal(t, want.EnableForwarding, got.EnableForwarding)
	assert.Equal(t, want.DuplicateMessages, got.DuplicateMessages)
	assert.Equal(t, want.Punch.MaxAttempts, got.Punch.MaxAttempts)
	assert.Equal(t, want.PortMappingLifetime, got.PortMappingLifetime)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"syntax", "[node\nmode = 1"},
		{"bad mode", `[node]` + "\n" + `mode = "mesh"`},
		{"bad role", `[node]` + "\n" + `role = "leader"`},
		{"bad switch", `[node]` + "\n" + `advertise = "maybe"`},
		{"unknown key", `[node]` + "\n" + `colour = "blue"`},
		{"unknown table", `[extras]` + "\n" + `x = 1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-1", f.Node.PeerID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
