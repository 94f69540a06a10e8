package sock

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// sourceServer answers "SOURCE TCP <n>" with "REMOTE TCP <port>" and
// hands every accepted conn to the returned channel.
func sourceServer(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	conns := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- c
			go func(c net.Conn) {
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if strings.HasPrefix(line, "SOURCE TCP") {
						port := c.RemoteAddr().(*net.TCPAddr).Port
						fmt.Fprintf(c, "REMOTE TCP %d\r\n", port)
					}
				}
			}(c)
		}
	}()
	return ln.Addr().String(), conns
}

func dial(t *testing.T, addr string, opts ...Option) *Sock {
	t.Helper()
	opts = append(opts, WithLogger(zaptest.NewLogger(t)))
	s, err := Dial(context.Background(), addr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestParseBuffer(t *testing.T) {
	tests := []struct {
		name string
		buf  string
		want []string
		rest string
	}{
		{"leading terminator", "\r\nx\r\n", []string{"x"}, ""},
		{"only terminator", "\r\n", []string{}, ""},
		{"two terminators", "\r\n\r\n", []string{}, ""},
		{"lone carriage return", "\r\r\n\r\n", []string{"\r"}, ""},
		{"trailing fragment", "\r\n\r\n\r\nx", []string{}, "x"},
		{"two lines", "\r\n\r\nx\r\nsdfsdfsdf\r\n", []string{"x", "sdfsdfsdf"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewBuffer()
			s.SetBuffer([]byte(tt.buf))
			assert.Equal(t, tt.want, s.ParseBuffer())
			assert.Equal(t, tt.rest, string(s.Buffer()))
		})
	}
}

func TestParseBufferIncremental(t *testing.T) {
	s := NewBuffer()
	s.SetBuffer([]byte("sdfsdfsdf\r\n"))
	s.ParseBuffer()

	s.AppendBuffer([]byte("abc\r\n"))
	assert.Equal(t, []string{"abc"}, s.ParseBuffer())

	s.AppendBuffer([]byte("\r\ns\r\n"))
	assert.Equal(t, []string{"s"}, s.ParseBuffer())

	// split reads concatenate into the same sequence as one read
	s.AppendBuffer([]byte("par"))
	assert.Empty(t, s.ParseBuffer())
	s.AppendBuffer([]byte("tial\r"))
	assert.Empty(t, s.ParseBuffer())
	s.AppendBuffer([]byte("\nnext\r\n"))
	assert.Equal(t, []string{"partial", "next"}, s.ParseBuffer())
}

func TestUpdatePopReply(t *testing.T) {
	s := NewBuffer()
	s.SetBuffer([]byte("reply 1\r\nreply 2\r\n"))
	require.NoError(t, s.Update())

	line, ok := s.PopReply()
	require.True(t, ok)
	assert.Equal(t, "reply 1", line)
	assert.Equal(t, []string{"reply 2"}, s.Replies())

	s.PopReply()
	_, ok = s.PopReply()
	assert.False(t, ok)
}

func TestSendRecvLine(t *testing.T) {
	addr, _ := sourceServer(t)
	s := dial(t, addr, WithBlocking(true), WithTimeout(5*time.Second))
	assert.True(t, s.Connected())

	require.NoError(t, s.SendLine("SOURCE TCP 323"))
	line, err := s.RecvLine()
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("REMOTE TCP %d", s.LocalPort()), line)
	assert.True(t, s.Connected())
}

func TestRecvLinePartialWrites(t *testing.T) {
	addr, conns := sourceServer(t)
	s := dial(t, addr, WithBlocking(true), WithTimeout(5*time.Second))
	peer := <-conns

	go func() {
		for _, chunk := range []string{"hel", "lo\r\nwor", "ld\r\n"} {
			peer.Write([]byte(chunk))
			time.Sleep(20 * time.Millisecond)
		}
	}()

	first, err := s.RecvLine()
	require.NoError(t, err)
	second, err := s.RecvLine()
	require.NoError(t, err)
	assert.Equal(t, "hello", first)
	assert.Equal(t, "world", second)
}

func TestNonBlockingEmpty(t *testing.T) {
	addr, _ := sourceServer(t)
	s := dial(t, addr, WithBlocking(false))

	line, err := s.RecvLine()
	require.NoError(t, err)
	assert.Equal(t, "", line)

	b, err := s.Recv(1)
	require.NoError(t, err)
	assert.Empty(t, b)
	assert.True(t, s.Connected())
}

func TestBlockingTimeout(t *testing.T) {
	addr, _ := sourceServer(t)
	s := dial(t, addr, WithBlocking(true))

	start := time.Now()
	line, err := s.RecvLineTimeout(200 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "", line)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRecvBypassesBuffer(t *testing.T) {
	addr, _ := sourceServer(t)
	s := dial(t, addr, WithBlocking(true), WithTimeout(5*time.Second))

	require.NoError(t, s.SendLine("SOURCE TCP 32"))
	b, err := s.Recv(1)
	require.NoError(t, err)
	assert.Equal(t, "R", string(b))
	assert.Empty(t, s.Buffer())

	s.SetBuffer([]byte("test"))
	b, err = s.Recv(1)
	require.NoError(t, err)
	assert.Equal(t, "E", string(b))
	assert.Equal(t, "test", string(s.Buffer()))

	// a line read continues from whatever the buffer holds
	line, err := s.RecvLine()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "testMOTE TCP "), line)
	assert.Empty(t, s.Buffer())
}

func TestLinesNonBlocking(t *testing.T) {
	addr, conns := sourceServer(t)
	s := dial(t, addr, WithBlocking(false))
	peer := <-conns

	_, err := peer.Write([]byte("a\r\nb\r\n\r\nc"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s.Update() == nil && len(s.Replies()) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	var got []string
	for line := range s.Lines() {
		got = append(got, line)
	}
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, "c", string(s.Buffer()))
}

func TestDisconnect(t *testing.T) {
	addr, conns := sourceServer(t)
	s := dial(t, addr, WithBlocking(true), WithTimeout(2*time.Second))
	peer := <-conns
	require.NoError(t, peer.Close())

	_, err := s.RecvLine()
	assert.Error(t, err)
	assert.False(t, s.Connected())

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.Error(t, s.SendLine("late"))
}

func TestReconnect(t *testing.T) {
	addr, conns := sourceServer(t)
	s := dial(t, addr, WithBlocking(true), WithTimeout(5*time.Second))
	<-conns

	s.SetBuffer([]byte("stale"))
	require.NoError(t, s.Close())
	assert.False(t, s.Connected())

	require.NoError(t, s.Reconnect(context.Background()))
	<-conns
	assert.True(t, s.Connected())
	assert.Empty(t, s.Buffer())

	require.NoError(t, s.SendLine("SOURCE TCP 1"))
	line, err := s.RecvLine()
	require.NoError(t, err)
	assert.Contains(t, line, "REMOTE")
}

func TestAddressAccessors(t *testing.T) {
	addr, _ := sourceServer(t)
	s := dial(t, addr)

	host, _, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	assert.Equal(t, host, s.RemoteIP())
	assert.Equal(t, addr, s.RemoteAddr())
	assert.NotZero(t, s.RemotePort())
	assert.NotZero(t, s.LocalPort())
}
