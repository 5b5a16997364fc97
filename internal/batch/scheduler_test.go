package batch

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunsTask(t *testing.T) {
	s := newScheduler()
	defer s.stop()

	ran := make(chan *task, 1)
	tk := s.schedule(5*time.Millisecond, func(self *task) { ran <- self })

	select {
	case got := <-ran:
		assert.Same(t, tk, got)
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	assert.False(t, tk.cancel(), "a task that ran cannot be cancelled")
}

func TestScheduler_CancelBeforeRun(t *testing.T) {
	s := newScheduler()
	defer s.stop()

	var runs atomic.Int32
	tk := s.schedule(20*time.Millisecond, func(*task) { runs.Add(1) })
	require.True(t, tk.cancel())
	assert.False(t, tk.cancel())

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, runs.Load())
}

func TestScheduler_RunsOneAtATime(t *testing.T) {
	s := newScheduler()
	defer s.stop()

	var running, maxRunning, done atomic.Int32
	for i := 0; i < 5; i++ {
		s.schedule(time.Millisecond, func(*task) {
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			done.Add(1)
		})
	}

	require.Eventually(t, func() bool { return done.Load() == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestScheduler_StopWaitsAndDropsPending(t *testing.T) {
	s := newScheduler()

	started := make(chan struct{})
	var finished, late atomic.Bool
	s.schedule(time.Millisecond, func(*task) {
		close(started)
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
	})
	s.schedule(50*time.Millisecond, func(*task) { late.Store(true) })

	<-started
	s.stop()
	assert.True(t, finished.Load())

	s.stop()
	time.Sleep(80 * time.Millisecond)
	assert.False(t, late.Load())
}
