package holepunch

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saintparish4/unl/pkg/types"
)

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Timeout = 3 * time.Second
	cfg.Interval = 50 * time.Millisecond
	cfg.Logger = zaptest.NewLogger(t)
	return cfg
}

func TestSimultaneousOpen(t *testing.T) {
	ctx := context.Background()
	a, err := Prepare(ctx, "127.0.0.1", 0, testConfig(t))
	require.NoError(t, err)
	b, err := Prepare(ctx, "127.0.0.1", 0, testConfig(t))
	require.NoError(t, err)
	require.NotEqual(t, a.LocalPort(), b.LocalPort())

	at := time.Now().Add(100 * time.Millisecond)
	type result struct {
		conn net.Conn
		err  error
	}
	bc := make(chan result, 1)
	go func() {
		conn, err := b.Punch(ctx, []types.Endpoint{{IP: "127.0.0.1", Port: a.LocalPort()}}, at)
		bc <- result{conn, err}
	}()

	connA, err := a.Punch(ctx, []types.Endpoint{{IP: "127.0.0.1", Port: b.LocalPort()}}, at)
	require.NoError(t, err)
	defer connA.Close()
	rb := <-bc
	require.NoError(t, rb.err)
	defer rb.conn.Close()

	assert.Equal(t, a.LocalPort(), connA.LocalAddr().(*net.TCPAddr).Port)
	assert.Equal(t, b.LocalPort(), connA.RemoteAddr().(*net.TCPAddr).Port)

	_, err = connA.Write([]byte("hello\n"))
	require.NoError(t, err)
	rb.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(rb.conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)
}

func TestPunchNoRemotes(t *testing.T) {
	s, err := Prepare(context.Background(), "127.0.0.1", 0, testConfig(t))
	require.NoError(t, err)
	_, err = s.Punch(context.Background(), nil, time.Now())
	assert.ErrorIs(t, err, ErrNoRemotes)
}

func TestPunchTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := testConfig(t)
	cfg.Timeout = 400 * time.Millisecond
	cfg.Attempts = 2
	s, err := Prepare(context.Background(), "127.0.0.1", 0, cfg)
	require.NoError(t, err)

	start := time.Now()
	_, err = s.Punch(context.Background(), []types.Endpoint{{IP: "127.0.0.1", Port: deadPort}}, time.Now())
	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestPunchCancelledBeforeStart(t *testing.T) {
	cfg := testConfig(t)
	mock := clock.NewMock()
	cfg.Clock = mock
	s, err := Prepare(context.Background(), "127.0.0.1", 0, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Punch(ctx, []types.Endpoint{{IP: "127.0.0.1", Port: 9}}, mock.Now().Add(time.Hour))
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("punch did not observe cancellation")
	}
}

func TestSessionReleasesPort(t *testing.T) {
	s, err := Prepare(context.Background(), "127.0.0.1", 0, testConfig(t))
	require.NoError(t, err)
	port := s.LocalPort()
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())

	again, err := Prepare(context.Background(), "127.0.0.1", port, testConfig(t))
	require.NoError(t, err)
	again.Close()
}
