package nat

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saintparish4/unl/internal/rendezvous"
	"github.com/saintparish4/unl/pkg/netutil"
	"github.com/saintparish4/unl/pkg/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		samples []Sample
		class   types.NatClass
		delta   int
	}{
		{"empty", nil, types.NatUnknown, 0},
		{"preserving", []Sample{{40000, 40000}, {40001, 40001}}, types.NatPreserving, 0},
		{"single preserving", []Sample{{5000, 5000}}, types.NatPreserving, 0},
		{"delta", []Sample{{1, 20000}, {2, 20002}, {3, 20004}}, types.NatDelta, 2},
		{"negative delta", []Sample{{1, 20010}, {2, 20005}, {3, 20000}, {4, 19995}}, types.NatDelta, -5},
		{"too few for delta", []Sample{{1, 20000}, {2, 20001}}, types.NatRandom, 0},
		{"zero delta", []Sample{{1, 20000}, {2, 20000}, {3, 20000}}, types.NatRandom, 0},
		{"irregular", []Sample{{1, 20000}, {2, 20003}, {3, 20004}}, types.NatRandom, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, delta := Classify(tt.samples)
			assert.Equal(t, tt.class, class)
			assert.Equal(t, tt.delta, delta)
		})
	}
}

func TestPunchable(t *testing.T) {
	assert.True(t, Punchable(types.NatPreserving, types.NatRandom))
	assert.True(t, Punchable(types.NatDelta, types.NatDelta))
	assert.False(t, Punchable(types.NatRandom, types.NatRandom))
}

func TestPredict(t *testing.T) {
	t.Run("preserving", func(t *testing.T) {
		p := NewPredictor(types.NatPreserving, 0, []Sample{{4000, 4000}})
		assert.Equal(t, []int{5000}, p.Predict(5000))
	})

	t.Run("delta steps forward", func(t *testing.T) {
		p := NewPredictor(types.NatDelta, 2, []Sample{{1, 100}, {2, 102}, {3, 104}})
		assert.Equal(t, []int{106, 5000}, p.Predict(5000))
		assert.Equal(t, []int{108, 5000}, p.Predict(5000))
	})

	t.Run("delta out of range", func(t *testing.T) {
		p := NewPredictor(types.NatDelta, 10, []Sample{{1, 65530}})
		assert.Equal(t, []int{5000}, p.Predict(5000))
	})

	t.Run("random falls back to local", func(t *testing.T) {
		p := NewPredictor(types.NatRandom, 0, []Sample{{1, 9000}})
		assert.Equal(t, []int{5000}, p.Predict(5000))
	})

	t.Run("nil predictor", func(t *testing.T) {
		var p *Predictor
		assert.Equal(t, []int{5000}, p.Predict(5000))
		assert.Equal(t, types.NatUnknown, p.Class())
	})
}

func TestDecideRole(t *testing.T) {
	tests := []struct {
		name string
		in   RoleInput
		want types.NodeRole
	}{
		{"mapped", RoleInput{NAT: types.NatRandom, Mapped: true}, types.RolePassive},
		{"preserving", RoleInput{NAT: types.NatPreserving, WANIP: "203.0.113.7"}, types.RoleSimultaneous},
		{"delta", RoleInput{NAT: types.NatDelta}, types.RoleSimultaneous},
		{"random", RoleInput{NAT: types.NatRandom, WANIP: "203.0.113.7"}, types.RoleActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecideRole(tt.in))
		})
	}

	t.Run("wan bound locally", func(t *testing.T) {
		addrs, err := netutil.LocalAddresses()
		if err != nil || len(addrs) == 0 {
			t.Skip("no non-loopback interface")
		}
		in := RoleInput{NAT: types.NatRandom, WANIP: addrs[0].String()}
		assert.Equal(t, types.RolePassive, DecideRole(in))
	})
}

func startServer(t *testing.T) string {
	t.Helper()
	srv := rendezvous.New(rendezvous.Config{Addr: "127.0.0.1:0", Logger: zaptest.NewLogger(t)})
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv.Addr()
}

func deadAddr(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestProberLoopbackPreserves(t *testing.T) {
	server := startServer(t)
	p := NewProber(ProberConfig{Servers: []string{deadAddr(t), server}, Samples: 3, Logger: zaptest.NewLogger(t)})

	probe, err := p.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.NatPreserving, probe.Class)
	assert.Equal(t, server, probe.Server)
	assert.Len(t, probe.Samples, 3)

	again, err := p.Detect(context.Background())
	require.NoError(t, err)
	assert.Same(t, probe, again)

	class, err := p.ProbeNAT(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.NatPreserving, class)
	assert.Equal(t, types.NatPreserving, p.Predictor().Class())
}

func TestProberNoServers(t *testing.T) {
	_, err := NewProber(ProberConfig{}).ProbeNAT(context.Background())
	assert.ErrorIs(t, err, ErrNoServers)
}

func TestProberAllServersDown(t *testing.T) {
	p := NewProber(ProberConfig{Servers: []string{deadAddr(t)}, Timeout: time.Second})
	_, err := p.Detect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, types.NatUnknown, p.Predictor().Class())
}
