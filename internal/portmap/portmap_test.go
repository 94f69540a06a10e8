package portmap

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeGateway struct {
	mu      sync.Mutex
	offset  int
	active  map[int]int
	removed []int
	failAdd bool
}

func (f *fakeGateway) name() string { return "fake" }

func (f *fakeGateway) add(_ context.Context, internal, external int, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd {
		return 0, errors.New("refused")
	}
	f.active[internal] = external + f.offset
	return external + f.offset, nil
}

func (f *fakeGateway) remove(_ context.Context, internal, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, internal)
	f.removed = append(f.removed, internal)
	return nil
}

func (f *fakeGateway) externalIP(context.Context) (net.IP, error) {
	return net.ParseIP("203.0.113.9"), nil
}

func newTestMapper(t *testing.T, discoverers ...func(context.Context) (protocol, error)) *Mapper {
	m := New(Config{DisableNATPMP: true, DisableUPnP: true, Logger: zaptest.NewLogger(t)})
	m.discoverers = discoverers
	return m
}

func found(p protocol) func(context.Context) (protocol, error) {
	return func(context.Context) (protocol, error) { return p, nil }
}

func missing(context.Context) (protocol, error) {
	return nil, errors.New("no gateway here")
}

func TestMapUnmap(t *testing.T) {
	gw := &fakeGateway{offset: 1000, active: map[int]int{}}
	m := newTestMapper(t, missing, found(gw))

	ext, err := m.Map(context.Background(), 5000, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 6000, ext)

	got, ok := m.Mapped(5000)
	assert.True(t, ok)
	assert.Equal(t, 6000, got)

	require.NoError(t, m.Unmap(context.Background(), 5000))
	_, ok = m.Mapped(5000)
	assert.False(t, ok)
	assert.Empty(t, gw.active)

	// unmapping an unknown port is a no-op
	assert.NoError(t, m.Unmap(context.Background(), 1234))
}

func TestMapNoGateway(t *testing.T) {
	m := newTestMapper(t, missing, missing)
	_, err := m.Map(context.Background(), 5000, time.Hour)
	assert.ErrorIs(t, err, ErrNoGateway)

	_, err = newTestMapper(t).ExternalIP(context.Background())
	assert.ErrorIs(t, err, ErrNoGateway)
}

func TestMapRefused(t *testing.T) {
	gw := &fakeGateway{active: map[int]int{}, failAdd: true}
	m := newTestMapper(t, found(gw))
	_, err := m.Map(context.Background(), 5000, time.Hour)
	assert.Error(t, err)
	_, ok := m.Mapped(5000)
	assert.False(t, ok)
}

func TestCloseRemovesAll(t *testing.T) {
	gw := &fakeGateway{active: map[int]int{}}
	m := newTestMapper(t, found(gw))
	for _, port := range []int{5000, 5001, 5002} {
		_, err := m.Map(context.Background(), port, time.Minute)
		require.NoError(t, err)
	}
	require.NoError(t, m.Close())
	assert.Empty(t, gw.active)
	assert.ElementsMatch(t, []int{5000, 5001, 5002}, gw.removed)
}

func TestExternalIP(t *testing.T) {
	m := newTestMapper(t, found(&fakeGateway{active: map[int]int{}}))
	ip, err := m.ExternalIP(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", ip.String())
}
