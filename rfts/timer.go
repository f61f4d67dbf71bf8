// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rfts

import (
	"sync"
	"time"
)

// Timer is a one-shot timer created armed but stopped.
type Timer interface {
	Start()
	Stop()
}

// TimerFactory creates a Timer calling expired d after Start.
type TimerFactory func(d time.Duration, expired func()) Timer

type afterFuncTimer struct {
	mu      sync.Mutex
	d       time.Duration
	expired func()
	t       *time.Timer
}

// NewTimer is the default TimerFactory, based on time.AfterFunc.
func NewTimer(d time.Duration, expired func()) Timer {
	return &afterFuncTimer{d: d, expired: expired}
}

func (t *afterFuncTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.t == nil {
		t.t = time.AfterFunc(t.d, t.expired)
	}
}

func (t *afterFuncTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.t != nil {
		t.t.Stop()
	}
}
