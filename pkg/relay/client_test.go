package relay

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saintparish4/unl/internal/rendezvous"
	rdv "github.com/saintparish4/unl/pkg/rendezvous"
)

func startRelay(t *testing.T) string {
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

// echoTarget echoes every line it receives, prefixed with "echo ".
func echoTarget(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				sc := bufio.NewScanner(c)
				for sc.Scan() {
					c.Write([]byte("echo " + sc.Text() + "\r\n"))
				}
			}(c)
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func closedPort(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestDialRelayed(t *testing.T) {
	server := startRelay(t)
	ip, port := echoTarget(t)

	c := NewClient(ClientConfig{Servers: []string{closedPort(t), server}, Timeout: 2 * time.Second, Logger: zaptest.NewLogger(t)})
	s, err := c.Dial(context.Background(), ip, port)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SendLine("ping"))
	line, err := s.RecvLineTimeout(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo ping", line)
}

func TestDialTargetUnreachable(t *testing.T) {
	server := startRelay(t)
	host, portStr, err := net.SplitHostPort(closedPort(t))
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)

	c := NewClient(DefaultClientConfig(server))
	_, err = c.Dial(context.Background(), host, port)
	assert.ErrorIs(t, err, rdv.ErrRejected)
}

func TestDialNoServers(t *testing.T) {
	_, err := NewClient(ClientConfig{}).Dial(context.Background(), "8.8.8.8", 80)
	assert.ErrorIs(t, err, ErrNoServers)
}
