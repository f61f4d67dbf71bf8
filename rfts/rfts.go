// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// Package rfts synchronizes flash access with the radio link layer: flash is
// only programmed inside time windows granted by the radio scheduler, and a
// safety timer revokes access when a window is not released in time.
package rfts

import (
	"sync"
	"time"

	"github.com/bbnote/gostnvm/flash"
	"github.com/pkg/errors"
)

var (
	ErrNilCallback     = errors.New("time window callback is nil")
	ErrWindowReqFailed = errors.New("time window request failed")
	ErrWindowRelError  = errors.New("time window release failed")
)

// Scheduler is the radio link layer scheduler. RequestEvent registers an
// external event of at least minDuration; started is called once the event
// begins. CompleteEvent ends the running event.
type Scheduler interface {
	RequestEvent(minDuration time.Duration, started func()) error
	CompleteEvent() error
}

// Synchronizer hands out one flash time window at a time.
type Synchronizer struct {
	mu       sync.Mutex
	sched    Scheduler
	gate     flash.AccessGate
	newTimer TimerFactory

	pending  bool
	granted  bool
	window   uint32 // identifies the current request, stale events are dropped
	timer    Timer
	callback func()
}

type Option func(*Synchronizer)

// WithTimerFactory replaces the time.AfterFunc based safety timer.
func WithTimerFactory(factory TimerFactory) Option {
	return func(s *Synchronizer) {
		s.newTimer = factory
	}
}

func New(sched Scheduler, gate flash.AccessGate, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		sched:    sched,
		gate:     gate,
		newTimer: NewTimer,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Init closes flash access for the radio. From now on flash can only be
// programmed inside a granted window.
func (s *Synchronizer) Init() {
	s.gate.SetStatus(flash.AccessRFTS, false)
}

// ReqWindow asks the radio scheduler for a window of duration d. callback is
// called once the window is granted and flash access is open.
func (s *Synchronizer) ReqWindow(d time.Duration, callback func()) error {
	if callback == nil {
		return ErrNilCallback
	}

	s.mu.Lock()

	if s.pending {
		s.mu.Unlock()
		return errors.Wrap(ErrWindowReqFailed, "a window is already pending")
	}

	s.pending = true
	s.granted = false
	s.window++
	id := s.window
	s.callback = callback
	s.timer = s.newTimer(d, func() { s.expire(id) })

	s.mu.Unlock()

	logger.Debugf("requesting time window #%d of %v", id, d)

	err := s.sched.RequestEvent(d, func() { s.start(id) })

	if err != nil {
		s.mu.Lock()
		if s.window == id {
			s.pending = false
			s.timer = nil
		}
		s.mu.Unlock()

		return errors.Wrap(ErrWindowReqFailed, err.Error())
	}

	return nil
}

// RelWindow ends the current window. Flash access is closed and the pending
// state cleared even when the scheduler reports an error.
func (s *Synchronizer) RelWindow() error {
	s.mu.Lock()

	timer := s.timer
	s.timer = nil
	s.pending = false
	s.granted = false
	s.window++
	s.gate.SetStatus(flash.AccessRFTS, false)

	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	if err := s.sched.CompleteEvent(); err != nil {
		logger.Errorf("radio scheduler refused window completion: %v", err)
		return errors.Wrap(ErrWindowRelError, err.Error())
	}

	return nil
}

// Pending reports whether a window is requested or granted.
func (s *Synchronizer) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pending
}

// Granted reports whether flash access is currently open for a window.
func (s *Synchronizer) Granted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.granted
}

func (s *Synchronizer) start(id uint32) {
	s.mu.Lock()

	if !s.pending || s.window != id {
		s.mu.Unlock()
		logger.Debugf("dropping start of stale time window #%d", id)
		return
	}

	s.granted = true
	s.gate.SetStatus(flash.AccessRFTS, true)
	s.timer.Start()
	callback := s.callback

	s.mu.Unlock()

	callback()
}

func (s *Synchronizer) expire(id uint32) {
	s.mu.Lock()

	if !s.pending || s.window != id {
		s.mu.Unlock()
		return
	}

	s.pending = false
	s.granted = false
	s.timer = nil
	s.gate.SetStatus(flash.AccessRFTS, false)

	s.mu.Unlock()

	logger.Warnf("time window #%d expired before release, flash access revoked", id)
}
