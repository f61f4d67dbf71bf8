// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package arbiter

import (
	"encoding/binary"

	"github.com/bbnote/gostnvm/flash"
	"golang.org/x/exp/constraints"
)

const (
	// BuffersPerNvm is the number of buffer slots of an NVM. Buffer id
	// nvm*BuffersPerNvm+slot is bound to slot of nvm.
	BuffersPerNvm = 4

	// HeaderSize is the size of the packed bank header.
	HeaderSize = 16

	// MaxNvm keeps every buffer id within one byte.
	MaxNvm = 256 / BuffersPerNvm
)

// BankHeader is the packed, little endian header at the start of a bank:
//
//	byte 0      Empty, stays erased
//	byte 1      Counter, bank generation
//	bytes 2-3   Crc over the stored buffers
//	bytes 4-15  4 x (buffer id byte, size in words u16)
type BankHeader struct {
	Empty     uint8
	Counter   uint8
	Crc       uint16
	BufferIDs [BuffersPerNvm]uint8
	Sizes     [BuffersPerNvm]uint16
}

// ParseBankHeader decodes the first HeaderSize bytes of b.
func ParseBankHeader(b []byte) BankHeader {
	h := BankHeader{
		Empty:   b[0],
		Counter: b[1],
		Crc:     binary.LittleEndian.Uint16(b[2:]),
	}

	for i := 0; i < BuffersPerNvm; i++ {
		h.BufferIDs[i] = b[4+3*i]
		h.Sizes[i] = binary.LittleEndian.Uint16(b[5+3*i:])
	}

	return h
}

// Bytes encodes the header.
func (h BankHeader) Bytes() []byte {
	b := make([]byte, HeaderSize)

	b[0] = h.Empty
	b[1] = h.Counter
	binary.LittleEndian.PutUint16(b[2:], h.Crc)

	for i := 0; i < BuffersPerNvm; i++ {
		b[4+3*i] = h.BufferIDs[i]
		binary.LittleEndian.PutUint16(b[5+3*i:], h.Sizes[i])
	}

	return b
}

// Words returns the header as the four flash words it is programmed with.
func (h BankHeader) Words() []uint32 {
	b := h.Bytes()
	words := make([]uint32, HeaderSize/flash.WordSize)

	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[i*flash.WordSize:])
	}

	return words
}

// Offsets returns the byte offset of every buffer inside the bank and the
// total bank usage in bytes.
func (h BankHeader) Offsets() ([BuffersPerNvm]uint32, uint32) {
	var sizes [BuffersPerNvm]uint32

	for i, s := range h.Sizes {
		sizes[i] = uint32(s)
	}

	return layout(sizes)
}

// plausible checks the fields a bank of nvm must carry before its CRC is
// worth computing.
func (h BankHeader) plausible(nvmID int, bankBytes uint32) bool {
	if h.Empty != flash.ErasedByte {
		return false
	}

	for i, id := range h.BufferIDs {
		if int(id) != nvmID*BuffersPerNvm+i {
			return false
		}
	}

	_, used := h.Offsets()

	return used <= bankBytes
}

// layout packs buffers of the given word sizes after the header, each on a
// quad-word boundary.
func layout(words [BuffersPerNvm]uint32) ([BuffersPerNvm]uint32, uint32) {
	var offsets [BuffersPerNvm]uint32

	pos := uint32(HeaderSize)

	for i, w := range words {
		offsets[i] = pos
		pos += alignUp(w*flash.WordSize, flash.QuadWordSize)
	}

	return offsets, pos
}

func alignUp[T constraints.Unsigned](v T, align T) T {
	return (v + align - 1) / align * align
}

// secondIsNewer reports whether generation second supersedes first. Counters
// roll over, a difference of 0xFF means second is one generation older. The
// relation is not antisymmetric: counters 0x80 apart are both newer than the
// other, Init then keeps the bank it scans last.
func secondIsNewer(first uint8, second uint8) bool {
	diff := second - first

	return diff != 0 && diff != 0xFF
}
