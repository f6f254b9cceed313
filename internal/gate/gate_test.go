package gate

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_AcquireRelease(t *testing.T) {
	g := NewLocal()

	require.True(t, g.TryAcquire("u1"))
	assert.False(t, g.TryAcquire("u1"), "second acquire for the same key must be denied")
	assert.True(t, g.TryAcquire("u2"), "other keys are independent")
	assert.Equal(t, 2, g.InFlight())

	g.Release("u1")
	assert.True(t, g.TryAcquire("u1"), "acquire after release must be granted")

	g.Release("u1")
	g.Release("u1")
	g.Release("never-held")
	assert.Equal(t, 1, g.InFlight())
}

func TestLocal_ConcurrentAcquireGrantsOnce(t *testing.T) {
	g := NewLocal()

	var granted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if g.TryAcquire("same-user") {
				granted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), granted.Load())
}

func TestLocal_HoldersNeverOverlap(t *testing.T) {
	g := NewLocal()

	var active atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if !g.TryAcquire("k") {
					continue
				}
				if n := active.Add(1); n != 1 {
					t.Errorf("%d concurrent holders", n)
				}
				active.Add(-1)
				g.Release("k")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, g.InFlight())
}
