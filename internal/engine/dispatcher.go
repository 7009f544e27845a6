package engine

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
)

// errStopped is returned by dispatch once the dispatcher has been stopped.
var errStopped = errors.New("engine stopped")

// worker runs submitted closures one at a time, in submission order.
type worker struct {
	ch chan func()
}

// dispatcher routes work to a fixed set of workers by key, so that every
// closure for the same order runs on the same goroutine in FIFO order.
type dispatcher struct {
	workers []*worker
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func newDispatcher(n, queue int) *dispatcher {
	if n < 1 {
		n = 1
	}
	if queue < 1 {
		queue = 1024
	}
	d := &dispatcher{
		workers: make([]*worker, n),
		done:    make(chan struct{}),
	}
	for i := range d.workers {
		w := &worker{ch: make(chan func(), queue)}
		d.workers[i] = w
		d.wg.Add(1)
		go d.run(w)
	}
	return d
}

func (d *dispatcher) run(w *worker) {
	defer d.wg.Done()
	for {
		select {
		case fn := <-w.ch:
			fn()
		case <-d.done:
			return
		}
	}
}

func (d *dispatcher) shard(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.workers)))
}

// dispatch queues fn on the worker owning key. It blocks while that worker's
// queue is full, until ctx is done or the dispatcher stops.
func (d *dispatcher) dispatch(ctx context.Context, key string, fn func()) error {
	w := d.workers[d.shard(key)]
	select {
	case <-d.done:
		return errStopped
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case w.ch <- fn:
		return nil
	case <-d.done:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop terminates all workers. Closures still queued are discarded.
func (d *dispatcher) stop() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
}
