package dialogue

import (
	"context"
	"errors"
	"sync"

	"github.com/discord-voice-companion/internal/logging"
)

var ErrPoolClosed = errors.New("worker pool closed")

// Pool runs blocking collaborator calls on a fixed set of workers so turn
// goroutines only ever wait on a result channel.
type Pool struct {
	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// NewPool starts workers goroutines. queue bounds how many calls may wait
// for a free worker before Do blocks.
func NewPool(workers, queue int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{
		jobs: make(chan job, queue),
		quit: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case j := <-p.jobs:
			if err := j.ctx.Err(); err != nil {
				j.done <- err
				continue
			}
			j.done <- p.run(id, j)
		}
	}
}

func (p *Pool) run(id int, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorw("pool: job panicked", "worker", id, "panic", r)
			err = errors.New("worker pool: job panicked")
		}
	}()
	return j.fn(j.ctx)
}

// Do runs fn on a worker and waits for it. fn receives ctx and must return
// once it is done. A call that outlives ctx fails with ctx's error even if
// fn reports success.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	select {
	case p.jobs <- j:
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	p.mu.RUnlock()
	err := <-j.done
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Close stops the workers after their current job. Queued jobs that never
// started fail with ErrPoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.quit)
	p.wg.Wait()
	for {
		select {
		case j := <-p.jobs:
			j.done <- ErrPoolClosed
		default:
			return
		}
	}
}
