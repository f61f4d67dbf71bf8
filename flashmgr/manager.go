// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// Package flashmgr serializes every flash write and erase of the system into
// a single running operation. Operations run right away while flash access is
// open, otherwise chunk by chunk inside time windows granted by the radio
// timing synchronizer.
package flashmgr

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/bbnote/gostnvm/bgtask"
	"github.com/bbnote/gostnvm/flash"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

var (
	ErrBusy         = errors.New("flash manager is busy")
	ErrInvalidParam = errors.New("invalid flash operation parameter")
)

// Status is reported to the callback of a flash operation.
type Status int

const (
	// OperationComplete: the requested operation finished.
	OperationComplete Status = iota
	// OperationAvailable: the manager became free, a request rejected with
	// ErrBusy can be submitted again.
	OperationAvailable
	// OperationFailed: the flash driver made no progress for too many
	// windows in a row.
	OperationFailed
)

func (s Status) String() string {
	switch s {
	case OperationComplete:
		return "complete"
	case OperationAvailable:
		return "available"
	case OperationFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Callback func(Status)

// CallbackNode carries the callback of a requester. The same node is queued
// at most once while the manager is busy.
type CallbackNode struct {
	Callback Callback
}

// WindowSynchronizer grants exclusive time windows for flash access.
type WindowSynchronizer interface {
	ReqWindow(d time.Duration, callback func()) error
	RelWindow() error
}

type opKind int

const (
	opWrite opKind = iota
	opErase
)

type bgState int

const (
	stateIdle bgState = iota
	stateNoWindow
	stateWindowed
)

type operation struct {
	kind   opKind
	data   []uint32 // write: remaining quad-words
	dest   uint32   // write: next destination
	sector uint32   // erase: next sector
	count  uint32   // erase: remaining sectors
	node   *CallbackNode
}

func (op *operation) done() bool {
	if op.kind == opWrite {
		return len(op.data) == 0
	}
	return op.count == 0
}

// Manager owns the flash. Exactly one operation runs at a time.
type Manager struct {
	mu      sync.Mutex
	dev     flash.Driver
	windows WindowSynchronizer
	runner  bgtask.Runner
	cfg     Config

	busy    bool
	pending []*CallbackNode
	state   bgState
	op      operation

	windowRequested bool
	windowGranted   bool
	idleWindows     int
	refusals        int
}

func New(dev flash.Driver, windows WindowSynchronizer, runner bgtask.Runner, opts ...Option) *Manager {
	cfg := defaultConfig()

	for _, opt := range opts {
		opt(&cfg)
	}

	return &Manager{
		dev:     dev,
		windows: windows,
		runner:  runner,
		cfg:     cfg,
	}
}

// Write programs src at dest. dest must be quad-word aligned; a trailing
// partial quad-word is padded with the erased pattern.
func (m *Manager) Write(src []uint32, dest uint32, node *CallbackNode) error {
	if len(src) == 0 {
		return errors.Wrap(ErrInvalidParam, "empty write")
	}

	if dest%flash.QuadWordSize != 0 {
		return errors.Wrapf(ErrInvalidParam, "destination 0x%08x is not quad-word aligned", dest)
	}

	quads := (len(src) + flash.QuadWords - 1) / flash.QuadWords
	data := make([]uint32, quads*flash.QuadWords)
	n := copy(data, src)

	for i := n; i < len(data); i++ {
		data[i] = flash.ErasedWord
	}

	if !m.dev.Geometry().Contains(dest, uint32(len(data)*flash.WordSize)) {
		return errors.Wrapf(ErrInvalidParam, "write 0x%08x+%d outside of flash", dest, len(data)*flash.WordSize)
	}

	return m.submit(operation{kind: opWrite, data: data, dest: dest, node: node})
}

// WriteExt is Write for a source without word alignment guarantees.
func (m *Manager) WriteExt(src []byte, dest uint32, node *CallbackNode) error {
	if len(src)%flash.WordSize != 0 {
		return errors.Wrapf(ErrInvalidParam, "source of %d bytes is not a whole number of words", len(src))
	}

	words := make([]uint32, len(src)/flash.WordSize)

	for i := range words {
		words[i] = binary.LittleEndian.Uint32(src[i*flash.WordSize:])
	}

	return m.Write(words, dest, node)
}

// Erase erases count sectors starting at firstSector.
func (m *Manager) Erase(firstSector uint32, count uint32, node *CallbackNode) error {
	sectors := m.dev.Geometry().SectorCount()

	if count == 0 || firstSector >= sectors || count > sectors-firstSector {
		return errors.Wrapf(ErrInvalidParam, "erase of sectors %d+%d", firstSector, count)
	}

	return m.submit(operation{kind: opErase, sector: firstSector, count: count, node: node})
}

// Busy reports whether an operation is running.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.busy
}

func (m *Manager) submit(op operation) error {
	m.mu.Lock()

	if m.busy {
		if op.node != nil && !slices.Contains(m.pending, op.node) {
			m.pending = append(m.pending, op.node)
		}
		m.mu.Unlock()

		return ErrBusy
	}

	// a requester getting through no longer waits for availability
	if i := slices.Index(m.pending, op.node); op.node != nil && i >= 0 {
		m.pending = slices.Delete(m.pending, i, i+1)
	}

	m.busy = true
	m.op = op
	m.state = stateNoWindow
	m.idleWindows = 0
	m.refusals = 0

	m.mu.Unlock()

	m.runner.Post(m.BackgroundProcess)

	return nil
}
