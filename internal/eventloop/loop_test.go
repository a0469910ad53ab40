package eventloop

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

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(nil)
	go l.Run(context.Background())
	t.Cleanup(func() {
		l.Stop()
		<-l.Done()
	})
	return l
}

func TestSubmitRunsInOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Submit(func() { got = append(got, i) }))
	}
	// Call queues behind everything submitted before it
	require.NoError(t, l.Call(func() {}))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSubmitFromManyGoroutines(t *testing.T) {
	l := startLoop(t)

	var count int
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				l.Submit(func() { count++ })
			}
		}()
	}
	wg.Wait()

	var final int
	require.NoError(t, l.Call(func() { final = count }))
	assert.Equal(t, 2000, final)
}

func TestCallWaitsForResult(t *testing.T) {
	l := startLoop(t)

	var value string
	err := l.Call(func() {
		time.Sleep(10 * time.Millisecond)
		value = "done"
	})
	require.NoError(t, err)
	assert.Equal(t, "done", value)
}

func TestCallAfterStop(t *testing.T) {
	l := New(nil)
	go l.Run(context.Background())
	l.Stop()
	<-l.Done()

	err := l.Call(func() { t.Error("task must not run") })
	assert.True(t, errors.Is(err, ErrStopped))
	assert.False(t, l.Submit(func() {}))

	// second Stop is harmless
	l.Stop()
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPanickingTaskDoesNotKillLoop(t *testing.T) {
	l := startLoop(t)

	l.Submit(func() { panic("boom") })

	err := l.Call(func() { panic("call boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "call boom")

	var ran atomic.Bool
	require.NoError(t, l.Call(func() { ran.Store(true) }))
	assert.True(t, ran.Load())
}

func TestTimerFiresOnLoop(t *testing.T) {
	l := startLoop(t)

	fired := make(chan struct{}, 1)
	timer := l.NewTimer(func() { fired <- struct{}{} })

	timer.Schedule(10 * time.Millisecond)
	assert.True(t, timer.IsPending())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	require.NoError(t, l.Call(func() {}))
	assert.False(t, timer.IsPending())
}

func TestTimerCancel(t *testing.T) {
	l := startLoop(t)

	var fired atomic.Int32
	timer := l.NewTimer(func() { fired.Add(1) })

	timer.Schedule(20 * time.Millisecond)
	timer.Cancel()
	assert.False(t, timer.IsPending())

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, l.Call(func() {}))
	assert.Equal(t, int32(0), fired.Load())
}

func TestTimerRescheduleFiresOnce(t *testing.T) {
	l := startLoop(t)

	var fired atomic.Int32
	timer := l.NewTimer(func() { fired.Add(1) })

	timer.Schedule(10 * time.Millisecond)
	timer.Schedule(30 * time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, l.Call(func() {}))
	assert.Equal(t, int32(1), fired.Load())
}
