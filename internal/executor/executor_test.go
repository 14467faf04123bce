package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureWaitResolved(t *testing.T) {
	f, resolve := NewFuture[int]()
	resolve(42, nil)
	got, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestFutureWaitBlocksUntilResolve(t *testing.T) {
	f, resolve := NewFuture[string]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		resolve("done", nil)
	}()
	got, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", got)
}

func TestFutureWaitContextCancel(t *testing.T) {
	f, _ := NewFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFutureListenAfterResolve(t *testing.T) {
	f, resolve := NewFuture[int]()
	resolve(7, nil)
	var got int
	var wg sync.WaitGroup
	wg.Add(1)
	f.Listen(Inline(), func(v int, err error) {
		got = v
		wg.Done()
	})
	wg.Wait()
	assert.Equal(t, 7, got)
}

func TestFutureListenBeforeResolve(t *testing.T) {
	f, resolve := NewFuture[int]()
	var got int32
	var wg sync.WaitGroup
	wg.Add(1)
	f.Listen(Inline(), func(v int, err error) {
		atomic.StoreInt32(&got, int32(v))
		wg.Done()
	})
	resolve(9, nil)
	wg.Wait()
	assert.Equal(t, int32(9), atomic.LoadInt32(&got))
}

func TestFutureIdempotentResolve(t *testing.T) {
	f, resolve := NewFuture[int]()
	resolve(1, nil)
	resolve(2, nil)
	got, _ := f.Wait(context.Background())
	assert.Equal(t, 1, got, "second resolve is a no-op")
}

func TestFutureErrorPropagates(t *testing.T) {
	wantErr := errors.New("boom")
	f := Failed[int](wantErr)
	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, wantErr)
}

func TestFutureCancelBestEffort(t *testing.T) {
	f, _ := NewFuture[int]()
	assert.False(t, f.Cancel(), "no cancel func registered")

	var called bool
	f2, resolve := NewFuture[int]()
	f2.WithCancel(func() bool { called = true; return true })
	assert.True(t, f2.Cancel())
	assert.True(t, called)

	resolve(1, nil)
	assert.False(t, f2.Cancel(), "already resolved")
}

func TestPoolExecute(t *testing.T) {
	p := NewPool(2)
	var wg sync.WaitGroup
	wg.Add(1)
	p.Execute(func() { wg.Done() })
	wg.Wait()
}

func TestPoolScheduleOnce(t *testing.T) {
	p := NewPool(1)
	fired := make(chan struct{})
	p.ScheduleOnce(5*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestPoolScheduleAtFixedRateCancel(t *testing.T) {
	p := NewPool(1)
	var count int32
	cancel := p.ScheduleAtFixedRate(5*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
	})
	time.Sleep(25 * time.Millisecond)
	cancel()
	snapshot := atomic.LoadInt32(&count)
	assert.Greater(t, snapshot, int32(0))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, snapshot, atomic.LoadInt32(&count), "no more ticks after cancel")
}

func TestInlineExecuteRunsSynchronously(t *testing.T) {
	ran := false
	Inline().Execute(func() { ran = true })
	assert.True(t, ran)
}

func TestResolvedHelper(t *testing.T) {
	f := Resolved("x")
	assert.True(t, f.Done())
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}
