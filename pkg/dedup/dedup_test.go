package dedup

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeen(t *testing.T) {
	c := New(time.Minute, WithClock(clock.NewMock()))

	assert.False(t, c.Seen("msg-1"))
	assert.True(t, c.Seen("msg-1"))
	assert.True(t, c.Seen("msg-1"))
	assert.False(t, c.Seen("msg-2"))
	assert.Equal(t, 2, c.Len())
}

func TestHasDoesNotInsert(t *testing.T) {
	c := New(time.Minute, WithClock(clock.NewMock()))

	assert.False(t, c.Has("x"))
	assert.False(t, c.Seen("x"))
	assert.True(t, c.Has("x"))
}

func TestClear(t *testing.T) {
	c := New(time.Minute, WithClock(clock.NewMock()))
	require.False(t, c.Seen("a"))
	require.True(t, c.Seen("a"))

	c.Clear()
	assert.Zero(t, c.Len())
	assert.False(t, c.Seen("a"))
}

func TestExpiry(t *testing.T) {
	mock := clock.NewMock()
	c := New(time.Minute, WithClock(mock))

	require.False(t, c.Seen("a"))
	mock.Add(30 * time.Second)
	require.False(t, c.Seen("b"))

	// duplicates do not refresh the first-seen time
	mock.Add(20 * time.Second)
	assert.True(t, c.Seen("a"))

	mock.Add(15 * time.Second)
	assert.False(t, c.Has("a"))
	assert.True(t, c.Has("b"))
	assert.Equal(t, 1, c.Len())
	assert.False(t, c.Seen("a"))
}

func TestSizeBound(t *testing.T) {
	c := New(time.Hour, WithClock(clock.NewMock()), WithSize(2))
	c.Seen("a")
	c.Seen("b")
	c.Seen("c")

	assert.False(t, c.Has("a"))
	assert.True(t, c.Has("c"))
	assert.Equal(t, 2, c.Len())
}

func TestConcurrentSeen(t *testing.T) {
	c := New(time.Minute)

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("same") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fresh.Load())
}

func TestDigest(t *testing.T) {
	assert.Equal(t, Digest([]byte("hello")), Digest([]byte("hello")))
	assert.NotEqual(t, Digest([]byte("hello")), Digest([]byte("hello ")))
	assert.Len(t, Digest(nil), 64)
}
