package ingest

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sandakersmann/session-core/config"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *JobQueue {
	c := config.NewConfig(config.WithRootDir(t.TempDir()), config.WithLoggingPrefix("test"))
	return NewJobQueue(c.Logger("queue"))
}

func TestQueueFIFOWithinLane(t *testing.T) {
	q := newTestQueue(t)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 50; i++ {
		i := i
		q.Enqueue("conv-a", func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}
	q.Wait()

	require.Len(t, order, 50)
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestQueueJobsNeverOverlapWithinLane(t *testing.T) {
	q := newTestQueue(t)

	var running int32
	var overlapped int32
	for i := 0; i < 20; i++ {
		q.Enqueue("conv-a", func() error {
			if !atomic.CompareAndSwapInt32(&running, 0, 1) {
				atomic.StoreInt32(&overlapped, 1)
			}
			time.Sleep(time.Millisecond)
			atomic.StoreInt32(&running, 0)
			return nil
		})
	}
	q.Wait()
	require.Equal(t, int32(0), atomic.LoadInt32(&overlapped))
}

func TestQueueLanesRunConcurrently(t *testing.T) {
	q := newTestQueue(t)

	// lane a blocks until lane b has run; a single global lock would deadlock
	bRan := make(chan struct{})
	q.Enqueue("conv-a", func() error {
		select {
		case <-bRan:
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("lane b never ran")
		}
	})
	errB := q.Enqueue("conv-b", func() error {
		close(bRan)
		return nil
	})
	require.NoError(t, <-errB)
	q.Wait()
}

func TestQueueFailureIsolation(t *testing.T) {
	q := newTestQueue(t)

	first := q.Enqueue("conv-a", func() error {
		return errors.New("boom")
	})
	second := q.Enqueue("conv-a", func() error {
		return nil
	})
	require.Error(t, <-first)
	require.NoError(t, <-second)
}

func TestQueueLanesAndRemove(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, <-q.Enqueue("conv-b", func() error { return nil }))
	require.NoError(t, <-q.Enqueue("conv-a", func() error { return nil }))
	require.Equal(t, []string{"conv-a", "conv-b"}, q.Lanes())

	q.Remove("conv-a")
	require.Equal(t, []string{"conv-b"}, q.Lanes())

	// a removed lane is recreated on next use
	require.NoError(t, <-q.Enqueue("conv-a", func() error { return nil }))
	require.Equal(t, []string{"conv-a", "conv-b"}, q.Lanes())
	q.Wait()
}
