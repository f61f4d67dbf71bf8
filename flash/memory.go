// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package flash

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
)

// Memory is a Driver backed by a byte arena. A quad-word can only be
// programmed when it reads as erased, like the STM32WB/WBA flash controller.
type Memory struct {
	*Gate

	mu   sync.Mutex
	geo  Geometry
	data []byte

	budget     int // remaining program/erase operations, -1 for unlimited
	failWrites int
	failErases int

	writes int
	erases int
}

// NewMemory returns a fully erased flash of the given geometry.
func NewMemory(geo Geometry) *Memory {
	m := &Memory{
		Gate:   NewGate(),
		geo:    geo,
		data:   make([]byte, geo.Size),
		budget: -1,
	}

	for i := range m.data {
		m.data[i] = ErasedByte
	}

	return m
}

// NewMemoryFromImage returns a flash whose content is a copy of image. A
// shorter image is padded with the erased pattern.
func NewMemoryFromImage(geo Geometry, image []byte) (*Memory, error) {
	if uint32(len(image)) > geo.Size {
		return nil, errors.Errorf("image of %d bytes does not fit into %d bytes of flash", len(image), geo.Size)
	}

	m := NewMemory(geo)
	copy(m.data, image)

	return m, nil
}

func (m *Memory) Geometry() Geometry {
	return m.geo
}

// Write programs len(words)/QuadWords consecutive quad-words starting at dest.
func (m *Memory) Write(dest uint32, words []uint32) error {
	if len(words) == 0 || len(words)%QuadWords != 0 {
		return ErrSize
	}

	if dest%QuadWordSize != 0 {
		return ErrNotAligned
	}

	size := uint32(len(words) * WordSize)

	if !m.geo.Contains(dest, size) {
		return errors.Wrapf(ErrOutOfRange, "write 0x%08x+%d", dest, size)
	}

	if !m.Allowed() {
		return ErrAccessDenied
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for q := 0; q < len(words); q += QuadWords {
		if err := m.consume(&m.failWrites); err != nil {
			return err
		}

		offset := dest - m.geo.Base + uint32(q*WordSize)
		quad := m.data[offset : offset+QuadWordSize]

		for _, b := range quad {
			if b != ErasedByte {
				return errors.Wrapf(ErrNotErased, "quad-word at 0x%08x", m.geo.Base+offset)
			}
		}

		for i := 0; i < QuadWords; i++ {
			binary.LittleEndian.PutUint32(quad[i*WordSize:], words[q+i])
		}

		m.writes++
	}

	return nil
}

func (m *Memory) EraseSector(index uint32) error {
	if index >= m.geo.SectorCount() {
		return errors.Wrapf(ErrOutOfRange, "sector %d", index)
	}

	if !m.Allowed() {
		return ErrAccessDenied
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.consume(&m.failErases); err != nil {
		return err
	}

	start := index * m.geo.SectorSize
	sector := m.data[start : start+m.geo.SectorSize]

	for i := range sector {
		sector[i] = ErasedByte
	}

	m.erases++

	return nil
}

// ReadAt copies flash content into p. Reads are memory mapped on the target
// and therefore never gated.
func (m *Memory) ReadAt(p []byte, addr uint32) error {
	if !m.geo.Contains(addr, uint32(len(p))) {
		return errors.Wrapf(ErrOutOfRange, "read 0x%08x+%d", addr, len(p))
	}

	m.mu.Lock()
	copy(p, m.data[addr-m.geo.Base:])
	m.mu.Unlock()

	return nil
}

// consume accounts one program/erase operation against the power budget and
// the injected failures. Callers hold m.mu.
func (m *Memory) consume(fail *int) error {
	if m.budget == 0 {
		return ErrPowerLoss
	}

	if *fail > 0 {
		*fail--
		return ErrInjected
	}

	if m.budget > 0 {
		m.budget--
	}

	return nil
}

// Image returns a copy of the whole flash content.
func (m *Memory) Image() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	image := make([]byte, len(m.data))
	copy(image, m.data)

	return image
}

// SetOpBudget limits the number of program/erase operations that still
// succeed. Once exhausted every operation fails with ErrPowerLoss, which
// models a reset in the middle of a flash sequence. A negative budget removes
// the limit.
func (m *Memory) SetOpBudget(n int) {
	m.mu.Lock()
	m.budget = n
	m.mu.Unlock()
}

// FailWrites makes the next n quad-word programs fail.
func (m *Memory) FailWrites(n int) {
	m.mu.Lock()
	m.failWrites = n
	m.mu.Unlock()
}

// FailErases makes the next n sector erases fail.
func (m *Memory) FailErases(n int) {
	m.mu.Lock()
	m.failErases = n
	m.mu.Unlock()
}

// Stats returns the number of successful quad-word programs and sector erases.
func (m *Memory) Stats() (writes int, erases int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.writes, m.erases
}

// Poke overwrites flash bytes without any programming rule. It is meant for
// corrupting images in tests and tools.
func (m *Memory) Poke(addr uint32, p []byte) error {
	if !m.geo.Contains(addr, uint32(len(p))) {
		return errors.Wrapf(ErrOutOfRange, "poke 0x%08x+%d", addr, len(p))
	}

	m.mu.Lock()
	copy(m.data[addr-m.geo.Base:], p)
	m.mu.Unlock()

	return nil
}
