package stun

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// bindingServer answers every Binding request with the sender's address
// and counts the requests it served.
func bindingServer(t *testing.T) (string, *atomic.Int32) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	served := new(atomic.Int32)
	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			res, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: from.IP, Port: from.Port},
			)
			if err != nil {
				continue
			}
			served.Add(1)
			conn.WriteToUDP(res.Raw, from)
		}
	}()
	return conn.LocalAddr().String(), served
}

func TestDiscover(t *testing.T) {
	addr, _ := bindingServer(t)
	d := New(Config{Servers: []string{addr}, Timeout: 2 * time.Second, Logger: zaptest.NewLogger(t)})

	ep, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ep.IP)
	assert.NotZero(t, ep.Port)
}

func TestDiscoverFallsThroughDeadServer(t *testing.T) {
	dead, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer dead.Close()

	addr, _ := bindingServer(t)
	d := New(Config{Servers: []string{dead.LocalAddr().String(), addr}, Timeout: 200 * time.Millisecond})

	ip, err := d.ExternalIP(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)
}

func TestDiscoverCache(t *testing.T) {
	addr, served := bindingServer(t)
	mock := clock.NewMock()
	d := New(Config{Servers: []string{addr}, Timeout: 2 * time.Second, CacheTTL: time.Minute}).WithClock(mock)

	first, err := d.Discover(context.Background())
	require.NoError(t, err)
	second, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), served.Load())

	mock.Add(2 * time.Minute)
	_, err = d.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), served.Load())
}

func TestDiscoverNoServers(t *testing.T) {
	_, err := New(Config{}).Discover(context.Background())
	assert.Error(t, err)
}
