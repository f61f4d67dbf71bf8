// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// Package bgtask runs deferred work outside of the context that requested it,
// the way an RTOS background task is kicked from an interrupt.
package bgtask

import (
	"context"
	"sync"
)

// Runner schedules fn to run later in the background context. Post never
// blocks and never runs fn on the caller's stack.
type Runner interface {
	Post(fn func())
}

// Queue is a Runner whose work only runs when RunPending is called. It makes
// callback chains deterministic in tests.
type Queue struct {
	mu  sync.Mutex
	fns []func()
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Post(fn func()) {
	q.mu.Lock()
	q.fns = append(q.fns, fn)
	q.mu.Unlock()
}

// Len returns the number of queued functions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.fns)
}

// RunOne runs the oldest queued function. It returns false when the queue
// was empty.
func (q *Queue) RunOne() bool {
	q.mu.Lock()

	if len(q.fns) == 0 {
		q.mu.Unlock()
		return false
	}

	fn := q.fns[0]
	q.fns[0] = nil
	q.fns = q.fns[1:]
	q.mu.Unlock()

	fn()

	return true
}

// RunPending runs queued functions, including the ones they post, until the
// queue is empty. It returns how many functions ran.
func (q *Queue) RunPending() int {
	n := 0

	for q.RunOne() {
		n++
	}

	return n
}

// Loop is a Runner backed by one goroutine started with Run.
type Loop struct {
	queue Queue
	wake  chan struct{}
}

func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

func (l *Loop) Post(fn func()) {
	l.queue.Post(fn)

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes posted work until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	for {
		l.queue.RunPending()

		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
	}
}
