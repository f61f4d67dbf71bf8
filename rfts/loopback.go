// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rfts

import (
	"sync"
	"time"

	"github.com/bbnote/gostnvm/bgtask"
	"github.com/pkg/errors"
)

var ErrNoEvent = errors.New("no external event running")

// LoopbackScheduler stands in for the radio scheduler on hosts without a
// radio: every request is granted from the background runner.
type LoopbackScheduler struct {
	runner bgtask.Runner

	mu       sync.Mutex
	active   bool
	requests int
}

func NewLoopbackScheduler(runner bgtask.Runner) *LoopbackScheduler {
	return &LoopbackScheduler{runner: runner}
}

func (l *LoopbackScheduler) RequestEvent(minDuration time.Duration, started func()) error {
	l.mu.Lock()
	l.active = true
	l.requests++
	l.mu.Unlock()

	l.runner.Post(started)

	return nil
}

func (l *LoopbackScheduler) CompleteEvent() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.active {
		return ErrNoEvent
	}

	l.active = false

	return nil
}

// Requests returns the number of events requested so far.
func (l *LoopbackScheduler) Requests() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.requests
}
