// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package arbiter

import "github.com/bbnote/gostnvm/flash"

// Register binds buf to bufferID. The buffer is stored and restored in place,
// its length in words is the size recorded in the bank header.
func (a *Arbiter) Register(bufferID uint8, buf []uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkReady(); err != nil {
		return err
	}

	n, slot, err := a.locate(bufferID)

	if err != nil {
		return err
	}

	if buf == nil {
		return NewError(ErrorBufferNull, "buffer %d", bufferID)
	}

	if len(buf) == 0 {
		return NewError(ErrorBufferSize, "buffer %d", bufferID)
	}

	if n.buffers[slot].data != nil {
		return NewError(ErrorBufferSlotUsed, "buffer %d", bufferID)
	}

	var words [BuffersPerNvm]uint32

	for i, b := range n.buffers {
		words[i] = uint32(len(b.data))
	}
	words[slot] = uint32(len(buf))

	if _, used := layout(words); used > n.bankBytes || len(buf) > 0xFFFF {
		return NewError(ErrorBankOverflow, "buffer %d needs %d bytes, bank holds %d", bufferID, used, n.bankBytes)
	}

	n.buffers[slot].data = buf
	a.layoutBuffers(n)

	logger.Debugf("registered buffer %d (nvm %d slot %d, %d words)", bufferID, n.id, slot, len(buf))

	return nil
}

// Restore copies the committed contents of bufferID from the restore bank
// into the registered buffer.
func (a *Arbiter) Restore(bufferID uint8) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkReady(); err != nil {
		return err
	}

	n, slot, err := a.locate(bufferID)

	if err != nil {
		return err
	}

	buf := n.buffers[slot].data

	if buf == nil {
		return NewError(ErrorBufferNotRegistered, "buffer %d", bufferID)
	}

	if n.restore < 0 {
		return NewError(ErrorNvmBankEmpty, "nvm %d", n.id)
	}

	addr := n.bankAddress(n.restore)
	state, h, err := a.reader.check(n.id, addr, n.bankBytes)

	if err != nil {
		return err
	}

	if state != BankValid {
		return NewError(ErrorNvmBankCorrupted, "nvm %d bank %d is %v", n.id, n.restore, state)
	}

	if h.BufferIDs[slot] != bufferID || int(h.Sizes[slot]) != len(buf) {
		return NewError(ErrorBufferConfigMismatch, "buffer %d: stored %d words, registered %d", bufferID, h.Sizes[slot], len(buf))
	}

	offsets, _ := h.Offsets()
	data, err := a.reader.read(addr+offsets[slot], uint32(len(buf))*flash.WordSize)

	if err != nil {
		return err
	}

	copy(buf, toWords(data))

	return nil
}
