// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package arbiter

import (
	"bytes"
	"context"

	"github.com/bbnote/gostnvm/flashmgr"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

type flashOpState int

const (
	opIdle flashOpState = iota
	opHeaderWrite
	opBufferWrite
	opEraseBank
	opRetryWrite
)

func (s flashOpState) String() string {
	switch s {
	case opIdle:
		return "idle"
	case opHeaderWrite:
		return "header write"
	case opBufferWrite:
		return "buffer write"
	case opEraseBank:
		return "erase bank"
	case opRetryWrite:
		return "retry write"
	default:
		return "unknown"
	}
}

// flashOp is the bank write in progress. Only one NVM is written at a time.
type flashOp struct {
	state   flashOpState
	nvm     int
	buffer  int // slot being programmed in opBufferWrite
	retries int

	header   BankHeader
	snapshot [BuffersPerNvm][]uint32

	// last flash manager call, repeated on OperationAvailable
	call func() error
}

// Write requests bufferID to be committed to flash. cb, which may be nil, is
// called once the bank holding the buffer is written and activated, or when
// writing it failed. A request for the NVM being written joins the running
// bank write when that write stores the buffer as it is now; other requests
// arriving while a bank write runs are merged and committed together by the
// next bank write of their NVM.
func (a *Arbiter) Write(bufferID uint8, cb Callback) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return NewError(ErrorNotInit, "")
	}

	n, slot, err := a.locate(bufferID)

	if err != nil {
		return err
	}

	if n.buffers[slot].data == nil {
		return NewError(ErrorBufferNotRegistered, "buffer %d", bufferID)
	}

	if a.op.state != opIdle && a.op.nvm == n.id && a.carries(n, slot) {
		n.pending.Set(slot, true)
		n.callbacks[slot] = chain(n.callbacks[slot], cb)

		logger.Debugf("buffer %d joins running write of nvm %d", bufferID, n.id)
		return nil
	}

	req := requestedBit + slot
	n.pending.Set(req, true)
	n.callbacks[req] = chain(n.callbacks[req], cb)

	if a.op.state != opIdle {
		logger.Debugf("buffer %d queued behind running write of nvm %d", bufferID, a.op.nvm)
		return nil
	}

	if err := a.start(n); err != nil {
		for i := 0; i < 2*BuffersPerNvm; i++ {
			n.pending.Set(i, false)
			n.callbacks[i] = nil
		}
		a.op = flashOp{nvm: -1}

		return NewError(ErrorFlashError, "%v", err)
	}

	return nil
}

// carries reports whether the running bank write of n stores the current
// content of slot. A header still to be built snapshots every buffer anew.
func (a *Arbiter) carries(n *nvm, slot int) bool {
	if a.op.state == opRetryWrite {
		return true
	}

	return slices.Equal(a.op.snapshot[slot], n.buffers[slot].data)
}

// WriteAndWait is Write followed by waiting for the result.
func (a *Arbiter) WriteAndWait(ctx context.Context, bufferID uint8) error {
	done := make(chan Status, 1)

	if err := a.Write(bufferID, func(s Status) { done <- s }); err != nil {
		return err
	}

	select {
	case s := <-done:
		if s != OperationComplete {
			return NewError(ErrorFlashError, "write of buffer %d failed", bufferID)
		}
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting for buffer %d", bufferID)
	}
}

func chain(first Callback, second Callback) Callback {
	if first == nil {
		return second
	}
	if second == nil {
		return first
	}
	return func(s Status) {
		first(s)
		second(s)
	}
}

// start begins a bank write of n with every requested buffer.
func (a *Arbiter) start(n *nvm) error {
	for slot := 0; slot < BuffersPerNvm; slot++ {
		req := requestedBit + slot

		if !n.pending.Get(req) {
			continue
		}

		n.pending.Set(req, false)
		n.pending.Set(slot, true)
		n.callbacks[slot] = chain(n.callbacks[slot], n.callbacks[req])
		n.callbacks[req] = nil
	}

	a.op = flashOp{nvm: n.id}

	if blank, err := a.reader.blank(n.bankAddress(n.write), n.bankBytes); err != nil || !blank {
		logger.Debugf("nvm %d: write bank %d is not blank, erasing first", n.id, n.write)

		a.op.state = opRetryWrite
		return a.submit(a.eraseCall(n, n.write))
	}

	return a.writeHeader(n)
}

// writeHeader snapshots the registered buffers, builds the header of the
// write bank and programs it.
func (a *Arbiter) writeHeader(n *nvm) error {
	h := BankHeader{Empty: 0xFF}

	if n.restore >= 0 {
		h.Counter = n.restoreCounter + 1
	}

	for i, b := range n.buffers {
		h.BufferIDs[i] = uint8(n.id*BuffersPerNvm + i)
		h.Sizes[i] = uint16(len(b.data))

		a.op.snapshot[i] = nil
		if b.data != nil {
			a.op.snapshot[i] = append([]uint32(nil), b.data...)
		}
	}

	crc, err := a.reader.bankCRC(a.op.snapshot[:])

	if err != nil {
		return err
	}

	h.Crc = crc
	a.op.header = h
	a.op.state = opHeaderWrite

	addr := n.bankAddress(n.write)
	words := h.Words()

	return a.submit(func() error {
		return a.fm.Write(words, addr, &a.node)
	})
}

func (a *Arbiter) eraseCall(n *nvm, bank int) func() error {
	geo := a.dev.Geometry()
	first := geo.SectorIndex(n.bankAddress(bank))
	count := n.bankBytes / geo.SectorSize

	return func() error {
		return a.fm.Erase(first, count, &a.node)
	}
}

// submit issues a flash manager call. A busy manager queues the node and
// reports availability later, the call is repeated then.
func (a *Arbiter) submit(call func() error) error {
	a.op.call = call

	if err := call(); err != nil && errors.Cause(err) != flashmgr.ErrBusy {
		return err
	}

	return nil
}

// onFlashEvent is the completion callback of every flash manager call of the
// arbiter. It runs in the background context.
func (a *Arbiter) onFlashEvent(status flashmgr.Status) {
	a.mu.Lock()

	var notify []func()

	if a.op.state != opIdle {
		switch status {
		case flashmgr.OperationAvailable:
			if err := a.submit(a.op.call); err != nil {
				logger.Errorf("nvm %d: resubmission failed: %v", a.op.nvm, err)
				notify = a.fail(notify)
			}

		case flashmgr.OperationFailed:
			logger.Errorf("nvm %d: flash operation failed in state %v", a.op.nvm, a.op.state)
			notify = a.fail(notify)

		default:
			notify = a.step(notify)
		}
	}

	a.mu.Unlock()

	for _, f := range notify {
		f()
	}
}

// step advances the bank write after a completed flash operation.
func (a *Arbiter) step(notify []func()) []func() {
	n := a.nvms[a.op.nvm]

	var err error

	switch a.op.state {
	case opHeaderWrite:
		if a.headerWritten(n) {
			a.op.buffer = -1
			err = a.nextBuffer(n)
		} else {
			logger.Warnf("nvm %d: header read back differs", n.id)
			err = a.retry(n)
		}

	case opBufferWrite:
		err = a.nextBuffer(n)

	case opEraseBank:
		notify = a.finish(n, notify)
		return a.next(notify)

	case opRetryWrite:
		err = a.writeHeader(n)
	}

	if err != nil {
		logger.Errorf("nvm %d: %v", n.id, err)
		return a.fail(notify)
	}

	if a.op.state == opIdle {
		return a.next(a.finish(n, notify))
	}

	return notify
}

func (a *Arbiter) headerWritten(n *nvm) bool {
	data, err := a.reader.read(n.bankAddress(n.write), HeaderSize)

	return err == nil && bytes.Equal(data, a.op.header.Bytes())
}

// nextBuffer programs the next registered buffer, or verifies and activates
// the bank after the last one.
func (a *Arbiter) nextBuffer(n *nvm) error {
	for slot := a.op.buffer + 1; slot < BuffersPerNvm; slot++ {
		data := a.op.snapshot[slot]

		if len(data) == 0 {
			continue
		}

		a.op.buffer = slot
		a.op.state = opBufferWrite

		addr := n.bankAddress(n.write) + n.buffers[slot].offset

		return a.submit(func() error {
			return a.fm.Write(data, addr, &a.node)
		})
	}

	state, h, err := a.reader.check(n.id, n.bankAddress(n.write), n.bankBytes)

	if err != nil {
		return err
	}

	if state != BankValid || h != a.op.header {
		logger.Warnf("nvm %d: bank %d failed verification (%v)", n.id, n.write, state)
		return a.retry(n)
	}

	return a.rotate(n)
}

// rotate activates the freshly written bank and erases the one it replaces.
func (a *Arbiter) rotate(n *nvm) error {
	old := n.restore

	n.restore = n.write
	n.restoreCounter = a.op.header.Counter
	n.write = (n.write + 1) % n.banks
	a.layoutBuffers(n)

	logger.Debugf("nvm %d: bank %d active (counter %d)", n.id, n.restore, n.restoreCounter)

	if old < 0 {
		a.op.state = opIdle
		return nil
	}

	a.op.state = opEraseBank

	return a.submit(a.eraseCall(n, old))
}

// retry erases the write bank and writes it again from the header on.
func (a *Arbiter) retry(n *nvm) error {
	a.op.retries++

	if a.op.retries > a.opts.retryLimit {
		return NewError(ErrorHardwareStuck, "bank %d still invalid after %d rewrites", n.write, a.opts.retryLimit)
	}

	a.op.state = opRetryWrite

	return a.submit(a.eraseCall(n, n.write))
}

// finish reports success to the buffers of the completed bank write.
func (a *Arbiter) finish(n *nvm, notify []func()) []func() {
	return a.release(n, 0, BuffersPerNvm, OperationComplete, notify)
}

// fail reports failure to every buffer of the NVM being written, requested
// ones included, and moves on to the other NVMs.
func (a *Arbiter) fail(notify []func()) []func() {
	n := a.nvms[a.op.nvm]
	notify = a.release(n, 0, 2*BuffersPerNvm, OperationFailed, notify)

	return a.next(notify)
}

func (a *Arbiter) release(n *nvm, from int, to int, s Status, notify []func()) []func() {
	for i := from; i < to; i++ {
		if !n.pending.Get(i) {
			continue
		}

		n.pending.Set(i, false)

		if cb := n.callbacks[i]; cb != nil {
			notify = append(notify, func() { cb(s) })
		}
		n.callbacks[i] = nil
	}

	return notify
}

// next starts the next NVM with requested buffers, round robin from the one
// just written, or goes idle.
func (a *Arbiter) next(notify []func()) []func() {
	current := a.op.nvm
	a.op = flashOp{nvm: -1}

	for k := 1; k <= len(a.nvms); k++ {
		n := a.nvms[(current+k)%len(a.nvms)]

		if !n.hasRequested() {
			continue
		}

		if err := a.start(n); err != nil {
			logger.Errorf("nvm %d: could not start write: %v", n.id, err)
			notify = a.release(n, 0, 2*BuffersPerNvm, OperationFailed, notify)
			a.op = flashOp{nvm: -1}
			continue
		}

		return notify
	}

	return notify
}
