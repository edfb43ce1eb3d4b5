// Package notify runs listener callbacks off the caller's goroutine.
//
// Callbacks are submitted with a key; all callbacks that share a key run on
// the same worker in submission order, so the events of one member reach
// listeners in the order they were observed. Different keys run in parallel.
package notify

import (
	"runtime/debug"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/huddle/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 1024
)

type task struct {
	name string
	fn   func()
}

// Dispatcher is a bounded pool of workers, each owning a FIFO queue.
// Submit blocks while the target queue is full.
type Dispatcher struct {
	shards []chan task
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewDispatcher creates and starts a dispatcher with the given number of
// workers and per-worker queue capacity.
func NewDispatcher(workers, queueSize int) *Dispatcher {
	if workers < 1 {
		workers = DefaultWorkers
	}
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}

	d := &Dispatcher{
		shards: make([]chan task, workers),
		done:   make(chan struct{}),
	}
	for i := range d.shards {
		d.shards[i] = make(chan task, queueSize)
		d.wg.Add(1)
		go d.work(d.shards[i])
	}
	return d
}

// Submit queues fn on the worker owning key. It returns false when the
// dispatcher has been stopped and fn will not run.
//
// A nil Dispatcher runs fn inline, which keeps tests and tools simple.
func (d *Dispatcher) Submit(key []byte, name string, fn func()) bool {
	if d == nil {
		Run(name, fn)
		return true
	}

	select {
	case <-d.done:
		return false
	default:
	}

	shard := d.shards[xxhash.Sum64(key)%uint64(len(d.shards))]
	select {
	case shard <- task{name: name, fn: fn}:
		return true
	case <-d.done:
		return false
	}
}

// Stop drains queued tasks and waits for the workers to exit. Tasks
// submitted after Stop begins are rejected. Must not be called from inside
// a submitted task.
func (d *Dispatcher) Stop() {
	if d == nil {
		return
	}
	d.once.Do(func() {
		close(d.done)
	})
	d.wg.Wait()
}

func (d *Dispatcher) work(queue chan task) {
	defer d.wg.Done()

	for {
		select {
		case t := <-queue:
			Run(t.name, t.fn)
		case <-d.done:
			for {
				select {
				case t := <-queue:
					Run(t.name, t.fn)
				default:
					return
				}
			}
		}
	}
}

// Run calls fn and logs a panic instead of letting it unwind the caller.
// It reports whether fn returned normally.
func Run(name string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.ListenerPanicsTotal.Inc()
			log.Error().
				Str("task", name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Listener callback panicked")
			ok = false
		}
	}()
	fn()
	return true
}
