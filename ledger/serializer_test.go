package ledger

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

type interval struct {
	id         int
	start, end time.Time
}

func TestSerializer_FIFOWithoutOverlap(t *testing.T) {
	s := NewSerializer()
	defer s.Close()

	const n = 8
	gate := make(chan struct{})
	firstRunning := make(chan struct{})

	var (
		mu       sync.Mutex
		recorded []interval
		inFlight atomic.Int32
		maxSeen  atomic.Int32
	)

	task := func(id int) Task {
		return func(context.Context) error {
			if id == 0 {
				close(firstRunning)
				<-gate
			}
			cur := inFlight.Add(1)
			if cur > maxSeen.Load() {
				maxSeen.Store(cur)
			}
			start := time.Now()
			time.Sleep(2 * time.Millisecond)
			end := time.Now()
			inFlight.Add(-1)

			mu.Lock()
			recorded = append(recorded, interval{id: id, start: start, end: end})
			mu.Unlock()
			return nil
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			assert.NoError(t, s.RunExclusive(context.Background(), task(id)))
		}(i)

		// 第一个任务被阻塞后，后续任务依次进入队列
		if i == 0 {
			<-firstRunning
			continue
		}
		want := i
		require.Eventually(t, func() bool { return s.Pending() == want }, time.Second, time.Millisecond)
	}

	close(gate)
	wg.Wait()

	require.Len(t, recorded, n)
	assert.Equal(t, int32(1), maxSeen.Load())
	for i, iv := range recorded {
		assert.Equal(t, i, iv.id, "tasks must finish in submission order")
		if i > 0 {
			assert.False(t, iv.start.Before(recorded[i-1].end), "task %d overlaps task %d", i, i-1)
		}
	}
}

func TestSerializer_FailureDoesNotBlockQueue(t *testing.T) {
	s := NewSerializer()
	defer s.Close()

	boom := errors.New("nonce too low")
	err := s.RunExclusive(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = s.RunExclusive(context.Background(), func(context.Context) error { panic("bad receipt") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad receipt")

	ran := false
	err = s.RunExclusive(context.Background(), func(context.Context) error {
		ran = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, ran)
}

func TestSerializer_CancelWhileQueuedSkipsTask(t *testing.T) {
	s := NewSerializer()
	defer s.Close()

	gate := make(chan struct{})
	running := make(chan struct{})
	go func() {
		_ = s.RunExclusive(context.Background(), func(context.Context) error {
			close(running)
			<-gate
			return nil
		})
	}()
	<-running

	ctx, cancel := context.WithCancel(context.Background())
	var skippedRan atomic.Bool
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.RunExclusive(ctx, func(context.Context) error {
			skippedRan.Store(true)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return s.Pending() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(gate)
	assert.NoError(t, s.RunExclusive(context.Background(), func(context.Context) error { return nil }))
	assert.False(t, skippedRan.Load())
}

func TestSerializer_StartedTaskIgnoresCallerCancel(t *testing.T) {
	s := NewSerializer()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.RunExclusive(ctx, func(taskCtx context.Context) error {
			close(started)
			<-release
			return taskCtx.Err()
		})
	}()

	<-started
	cancel()
	close(release)
	assert.NoError(t, <-errCh)
}

func TestSerializer_Close(t *testing.T) {
	s := NewSerializer()
	s.Close()
	s.Close()

	err := s.RunExclusive(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrSerializerClosed)
}

func TestLanes_OnePerCredential(t *testing.T) {
	lanes := NewLanes()
	defer lanes.Close()

	a := lanes.Lane("0xabc")
	assert.Same(t, a, lanes.Lane("0xabc"))
	assert.NotSame(t, a, lanes.Lane("0xdef"))
}
