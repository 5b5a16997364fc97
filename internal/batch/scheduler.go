package batch

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	taskPending int32 = iota
	taskRunning
	taskCancelled
)

// scheduler runs delayed tasks one at a time on a single goroutine that it
// owns. It is started when created and runs until stop.
type scheduler struct {
	tasks chan *task
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// task is a handle on one scheduled run.
type task struct {
	fn    func(*task)
	timer *time.Timer
	state atomic.Int32
}

func newScheduler() *scheduler {
	s := &scheduler{
		tasks: make(chan *task),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *scheduler) loop() {
	defer close(s.done)
	for {
		select {
		case t := <-s.tasks:
			if t.state.CompareAndSwap(taskPending, taskRunning) {
				t.fn(t)
			}
		case <-s.quit:
			return
		}
	}
}

// schedule runs fn on the scheduler goroutine no earlier than delay from now.
// fn receives its own handle.
func (s *scheduler) schedule(delay time.Duration, fn func(*task)) *task {
	t := &task{fn: fn}
	t.timer = time.AfterFunc(delay, func() {
		select {
		case s.tasks <- t:
		case <-s.quit:
		}
	})
	return t
}

// cancel stops t from running. It returns false when t already started,
// finished or was cancelled before.
func (t *task) cancel() bool {
	if !t.state.CompareAndSwap(taskPending, taskCancelled) {
		return false
	}
	t.timer.Stop()
	return true
}

// stop ends the scheduler goroutine and waits for a running task to return.
// Tasks that have not started never will.
func (s *scheduler) stop() {
	s.once.Do(func() { close(s.quit) })
	<-s.done
}
