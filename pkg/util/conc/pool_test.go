package conc

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

func TestPool(t *testing.T) {
	var preHandled atomic.Int32
	pool := NewPool[int](4, WithPreHandler(func() { preHandled.Add(1) }), WithExpiryDuration(time.Second))
	defer pool.Release()
	assert.Equal(t, 4, pool.Cap())

	futures := make([]*Future[int], 0, 16)
	for i := 0; i < 16; i++ {
		i := i
		futures = append(futures, pool.Submit(func() (int, error) {
			return i * 2, nil
		}))
	}
	require.NoError(t, AwaitAll(futures...))
	for i, future := range futures {
		assert.True(t, future.Done())
		assert.Equal(t, i*2, future.Value())
	}
	assert.Equal(t, int32(16), preHandled.Load())

	require.NoError(t, pool.Resize(8))
	assert.Equal(t, 8, pool.Cap())
	assert.Error(t, pool.Resize(0))
}

func TestPoolError(t *testing.T) {
	pool := NewPool[struct{}](1)
	defer pool.Release()

	errTask := errors.New("task failed")
	future := pool.Submit(func() (struct{}, error) {
		return struct{}{}, errTask
	})
	_, err := future.Await()
	assert.ErrorIs(t, err, errTask)
	assert.ErrorIs(t, AwaitAll(future), errTask)
}

func TestPoolReleased(t *testing.T) {
	pool := NewPool[int](1, WithPreAlloc(true))
	assert.Error(t, pool.Resize(2))
	pool.Release()

	future := pool.Submit(func() (int, error) { return 1, nil })
	assert.ErrorIs(t, future.Err(), merr.ErrPoolSubmitFailed)
}

func TestGo(t *testing.T) {
	future := Go(func() (string, error) { return "done", nil })
	v, err := future.Await()
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	<-future.Inner()
}

func TestPoolPanic(t *testing.T) {
	recovered := make(chan any, 1)
	pool := NewPool[int](1, WithName("panicky"), WithPanicHandler(func(v any) { recovered <- v }))
	defer pool.Release()

	future := pool.Submit(func() (int, error) { panic("boom") })
	assert.ErrorIs(t, future.Err(), merr.ErrServiceInternal)
	assert.Equal(t, "boom", <-recovered)
}
