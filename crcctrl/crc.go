// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// Package crcctrl exposes the CRC peripheral as a shared engine: users
// register a handle, then calculate or accumulate a CRC-16 over 32-bit words.
package crcctrl

import (
	"sync"

	"github.com/pkg/errors"
)

// CRC-16/CCITT-FALSE parameters
const (
	Polynomial   = 0x1021
	InitialValue = 0xFFFF

	highBit     = 0x8000
	bitsPerByte = 8
)

var (
	ErrBusy          = errors.New("crc engine is busy")
	ErrNotRegistered = errors.New("crc handle is not registered")
	ErrTooManyUsers  = errors.New("crc engine handle table is full")
)

// MaxHandles bounds the number of registered users of the engine.
const MaxHandles = 8

// Handle is the registration of one CRC user. It carries the running value
// used by Accumulate.
type Handle struct {
	engine  *Engine
	running uint16
	valid   bool
}

// Engine serializes the users of one CRC peripheral.
type Engine struct {
	mu      sync.Mutex
	owner   sync.Mutex
	handles []*Handle

	// MutexTake and MutexRelease guard the peripheral for the duration of
	// one computation. They default to a non blocking lock and can be
	// replaced to plug an RTOS mutex.
	MutexTake    func() bool
	MutexRelease func()
}

// New returns an engine with the default non blocking peripheral lock.
func New() *Engine {
	e := &Engine{}

	e.MutexTake = e.owner.TryLock
	e.MutexRelease = e.owner.Unlock

	return e
}

// Register adds a new handle.
func (e *Engine) Register() (*Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.handles) >= MaxHandles {
		return nil, ErrTooManyUsers
	}

	h := &Handle{engine: e}
	e.handles = append(e.handles, h)

	return h, nil
}

// Unregister removes a handle, it can no longer be used afterwards.
func (e *Engine) Unregister(h *Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, v := range e.handles {
		if v == h {
			e.handles = append(e.handles[:i], e.handles[i+1:]...)
			h.engine = nil
			return
		}
	}
}

// Calculate starts a new CRC over words.
func (e *Engine) Calculate(h *Handle, words []uint32) (uint16, error) {
	return e.compute(h, words, true)
}

// Accumulate continues the CRC of the previous Calculate or Accumulate on the
// same handle.
func (e *Engine) Accumulate(h *Handle, words []uint32) (uint16, error) {
	return e.compute(h, words, false)
}

func (e *Engine) compute(h *Handle, words []uint32, restart bool) (uint16, error) {
	if h == nil || h.engine != e {
		return 0, ErrNotRegistered
	}

	if !e.MutexTake() {
		return 0, ErrBusy
	}
	defer e.MutexRelease()

	crc := uint16(InitialValue)
	if !restart && h.valid {
		crc = h.running
	}

	for _, w := range words {
		crc = update(crc, byte(w))
		crc = update(crc, byte(w>>8))
		crc = update(crc, byte(w>>16))
		crc = update(crc, byte(w>>24))
	}

	h.running = crc
	h.valid = true

	return crc, nil
}

func update(crc uint16, b byte) uint16 {
	crc ^= uint16(b) << bitsPerByte

	for i := 0; i < bitsPerByte; i++ {
		if crc&highBit != 0 {
			crc = (crc << 1) ^ Polynomial
		} else {
			crc = crc << 1
		}
	}

	return crc
}
