// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package arbiter

import (
	"encoding/binary"
	"runtime"

	"github.com/bbnote/gostnvm/crcctrl"
	"github.com/bbnote/gostnvm/flash"
	"github.com/pkg/errors"
)

// BankState is the result of checking a bank.
type BankState int

const (
	BankBlank BankState = iota
	BankValid
	BankCorrupted
)

func (s BankState) String() string {
	switch s {
	case BankBlank:
		return "blank"
	case BankValid:
		return "valid"
	case BankCorrupted:
		return "corrupted"
	default:
		return "unknown"
	}
}

// bankReader reads banks back from flash and validates them.
type bankReader struct {
	dev        flash.Driver
	crc        *crcctrl.Engine
	handle     *crcctrl.Handle
	crcRetries int
}

func (r *bankReader) read(addr uint32, size uint32) ([]byte, error) {
	data := make([]byte, size)

	if err := r.dev.ReadAt(data, addr); err != nil {
		return nil, errors.Wrapf(err, "could not read bank at 0x%08x", addr)
	}

	return data, nil
}

// check classifies the bank at addr. A bank is valid only when its header is
// plausible for nvmID and the CRC over the stored buffers matches.
func (r *bankReader) check(nvmID int, addr uint32, bankBytes uint32) (BankState, BankHeader, error) {
	data, err := r.read(addr, bankBytes)

	if err != nil {
		return BankCorrupted, BankHeader{}, err
	}

	if erased(data) {
		return BankBlank, BankHeader{}, nil
	}

	h := ParseBankHeader(data)

	if !h.plausible(nvmID, bankBytes) {
		return BankCorrupted, h, nil
	}

	offsets, _ := h.Offsets()
	chunks := make([][]uint32, BuffersPerNvm)

	for i, size := range h.Sizes {
		chunks[i] = toWords(data[offsets[i] : offsets[i]+uint32(size)*flash.WordSize])
	}

	crc, err := r.bankCRC(chunks)

	if err != nil {
		return BankCorrupted, h, err
	}

	if crc != h.Crc {
		return BankCorrupted, h, nil
	}

	return BankValid, h, nil
}

// blank reports whether the whole bank reads as erased.
func (r *bankReader) blank(addr uint32, bankBytes uint32) (bool, error) {
	data, err := r.read(addr, bankBytes)

	if err != nil {
		return false, err
	}

	return erased(data), nil
}

// bankCRC chains the CRC over the non empty chunks in order: the first one is
// calculated, the next ones accumulated.
func (r *bankReader) bankCRC(chunks [][]uint32) (uint16, error) {
	crc := uint16(crcctrl.InitialValue)
	started := false

	for _, chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}

		var err error

		for retries := 0; ; retries++ {
			if started {
				crc, err = r.crc.Accumulate(r.handle, chunk)
			} else {
				crc, err = r.crc.Calculate(r.handle, chunk)
			}

			if err != crcctrl.ErrBusy {
				break
			}

			if retries >= r.crcRetries {
				return 0, NewError(ErrorHardwareStuck, "crc engine stays busy")
			}

			runtime.Gosched()
		}

		if err != nil {
			return 0, errors.Wrap(err, "crc computation failed")
		}

		started = true
	}

	return crc, nil
}

func erased(data []byte) bool {
	for _, b := range data {
		if b != flash.ErasedByte {
			return false
		}
	}
	return true
}

func toWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/flash.WordSize)

	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[i*flash.WordSize:])
	}

	return words
}
