// Package workpool runs fan-out units on a fixed set of goroutines. The
// orchestrator submits one unit per input file and imposes no concurrency
// limit of its own; the pool size is the only bound.
package workpool

import (
	"errors"
	"sync"
)

var (
	ErrNotStarted = errors.New("pool not started")
	ErrClosed     = errors.New("pool closed")
)

type Pool struct {
	taskCh chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu         sync.Mutex
	submitters sync.WaitGroup
	started    bool
	stopped    bool
}

func New(queueSize int) *Pool {
	return &Pool{
		taskCh: make(chan func(), queueSize),
		stopCh: make(chan struct{}),
	}
}

// Start launches the worker goroutines. Calling Start twice is a no-op.
func (p *Pool) Start(workers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.taskCh {
				task()
			}
		}()
	}
}

// Submit enqueues a unit; it blocks while the queue is full. A Submit
// blocked on a full queue is unblocked by Stop and returns ErrClosed.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrClosed
	}
	p.submitters.Add(1)
	p.mu.Unlock()
	defer p.submitters.Done()

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrClosed
	}
}

// Stop rejects further submissions, closes the queue and waits for queued
// and in-flight units to finish. The queue is closed only after every
// pending Submit has bailed out on the stop signal.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped || !p.started {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.submitters.Wait()
	close(p.taskCh)
	p.wg.Wait()
}
