package dispatch

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const DefaultMaxConcurrency = 3

var ErrStopped = errors.New("dispatch: dispatcher stopped")

// Task is one deferred unit of work.
type Task func() error

type pendingTask struct {
	id    string
	label string
	run   Task
	done  chan error
}

// Dispatcher admits asynchronous work items and runs at most maxConcurrency
// of them at a time. Tasks start in submission order but may complete out
// of order. Failure of one task never blocks or cancels others.
type Dispatcher struct {
	mu             sync.Mutex
	queue          []*pendingTask
	active         int
	maxConcurrency int
	stopped        bool
}

func New(maxConcurrency int) *Dispatcher {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &Dispatcher{maxConcurrency: maxConcurrency}
}

// Submit admits a task. The returned channel receives exactly one value,
// the task's error (nil on success). After Shutdown every submission fails
// immediately with ErrStopped.
func (d *Dispatcher) Submit(label string, run Task) <-chan error {
	done := make(chan error, 1)

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		done <- ErrStopped
		return done
	}
	d.queue = append(d.queue, &pendingTask{
		id:    uuid.NewString(),
		label: label,
		run:   run,
		done:  done,
	})
	d.startLocked()
	d.mu.Unlock()

	return done
}

// startLocked greedily starts queued tasks up to the concurrency ceiling.
// Caller must hold d.mu.
func (d *Dispatcher) startLocked() {
	for d.active < d.maxConcurrency && len(d.queue) > 0 {
		t := d.queue[0]
		d.queue = d.queue[1:]
		d.active++
		go d.runTask(t)
	}
}

func (d *Dispatcher) runTask(t *pendingTask) {
	err := t.run()
	if err != nil {
		slog.Debug("dispatch task failed", "id", t.id, "label", t.label, "error", err)
	}
	t.done <- err

	d.mu.Lock()
	d.active--
	d.startLocked()
	d.mu.Unlock()
}

// Shutdown fails all not-yet-started tasks with ErrStopped and refuses new
// submissions. In-flight tasks run to completion or failure on their own.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	rejected := d.queue
	d.queue = nil
	d.stopped = true
	d.mu.Unlock()

	for _, t := range rejected {
		t.done <- ErrStopped
	}
}

// Pending returns the number of admitted tasks not yet started.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Active returns the number of currently executing tasks.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}
