// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package notify

import (
	"sync"

	"github.com/juju/errors"
	"gopkg.in/tomb.v2"
)

// ErrQueueStopped is returned by Post once the queue is dying.
const ErrQueueStopped = errors.ConstError("execution queue stopped")

// Queue is a DyingContext running posted functions in FIFO order on a
// single goroutine. Post never blocks.
type Queue struct {
	tomb tomb.Tomb

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
}

// NewQueue starts a Queue.
func NewQueue() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
	}
	q.tomb.Go(q.loop)
	return q
}

// Post is part of the ExecutionContext interface.
func (q *Queue) Post(fn func()) error {
	select {
	case <-q.tomb.Dying():
		return ErrQueueStopped
	default:
	}

	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Kill is part of the worker.Worker interface. Functions not yet started
// are dropped, and the tokens that posted them are killed.
func (q *Queue) Kill() {
	q.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (q *Queue) Wait() error {
	return q.tomb.Wait()
}

// Dying is part of the DyingContext interface.
func (q *Queue) Dying() <-chan struct{} {
	return q.tomb.Dying()
}

func (q *Queue) loop() error {
	for {
		select {
		case <-q.tomb.Dying():
			return tomb.ErrDying
		case <-q.wake:
		}
		for {
			fn, ok := q.next()
			if !ok {
				break
			}
			fn()
			select {
			case <-q.tomb.Dying():
				return tomb.ErrDying
			default:
			}
		}
	}
}

func (q *Queue) next() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, false
	}
	fn := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return fn, true
}
