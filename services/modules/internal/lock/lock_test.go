package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesOneKey(t *testing.T) {
	m := NewKeyedMutex()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Lock(context.Background(), "a1b2c3d4")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxInside)
	assert.Zero(t, m.Held())
}

func TestKeyedMutexKeysAreIndependent(t *testing.T) {
	m := NewKeyedMutex()
	releaseA, err := m.Lock(context.Background(), "a1b2c3d4")
	require.NoError(t, err)
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := m.Lock(ctx, "e5f6a7b8")
	require.NoError(t, err)
	releaseB()
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	m := NewKeyedMutex()
	release, err := m.Lock(context.Background(), "a1b2c3d4")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "a1b2c3d4")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.Zero(t, m.Held())
}

func TestChainReleasesOnFailure(t *testing.T) {
	first := NewKeyedMutex()
	second := NewKeyedMutex()
	hold, err := second.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer hold()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = Chain{first, second}.Lock(ctx, "k")
	require.Error(t, err)
	assert.Zero(t, first.Held(), "first lock is released when the second fails")
}

func TestAdvisoryKey(t *testing.T) {
	assert.Equal(t, AdvisoryKey("a1b2c3d4"), AdvisoryKey("a1b2c3d4"))
	assert.NotEqual(t, AdvisoryKey("a1b2c3d4"), AdvisoryKey("e5f6a7b8"))
}

func TestRenewIntervalStaysInsideTTL(t *testing.T) {
	assert.Equal(t, 40*time.Second, RenewInterval(2*time.Minute))
	assert.Less(t, RenewInterval(time.Second), time.Second)
	assert.Equal(t, 10*time.Millisecond, RenewInterval(0))
}
