// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/binary"
	"os"
	"time"

	"github.com/bbnote/gostnvm/arbiter"
	"github.com/bbnote/gostnvm/bgtask"
	"github.com/bbnote/gostnvm/crcctrl"
	"github.com/bbnote/gostnvm/flash"
	"github.com/bbnote/gostnvm/flashmgr"
	"github.com/bbnote/gostnvm/rfts"
	"github.com/pkg/errors"
)

// hostWindow replaces the radio sized time windows: goroutine scheduling on a
// host easily exceeds a few milliseconds.
const hostWindow = 50 * time.Millisecond

// loadImage returns the flash described by cfg, filled from the image file
// when it exists.
func loadImage(cfg arbiter.Config, path string) (*flash.Memory, error) {
	geo, err := cfg.Geometry()

	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)

	if os.IsNotExist(err) {
		logger.Infof("image %s does not exist, starting from erased flash", path)
		return flash.NewMemory(geo), nil
	}

	if err != nil {
		return nil, errors.Wrapf(err, "could not read image %s", path)
	}

	return flash.NewMemoryFromImage(geo, data)
}

func saveImage(mem *flash.Memory, path string) error {
	if err := os.WriteFile(path, mem.Image(), 0o644); err != nil {
		return errors.Wrapf(err, "could not write image %s", path)
	}

	logger.Debugf("saved image %s", path)

	return nil
}

// stack is the complete nvm stack running on an image file.
type stack struct {
	cfg     arbiter.Config
	mem     *flash.Memory
	arb     *arbiter.Arbiter
	buffers map[uint8][]uint32

	cancel context.CancelFunc
}

// openStack boots the arbiter on the image and registers every configured
// buffer. The arbiter scan runs with open flash access, afterwards the
// loopback radio takes over and every flash operation waits for a window.
func openStack(cfg arbiter.Config, imagePath string) (*stack, error) {
	mem, err := loadImage(cfg, imagePath)

	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	loop := bgtask.NewLoop()
	go loop.Run(ctx)

	windows := rfts.New(rfts.NewLoopbackScheduler(loop), mem)
	fm := flashmgr.New(mem, windows, loop, flashmgr.WithWriteWindow(hostWindow), flashmgr.WithEraseWindow(hostWindow))

	s := &stack{
		cfg:     cfg,
		mem:     mem,
		arb:     arbiter.New(cfg, mem, fm, crcctrl.New()),
		buffers: make(map[uint8][]uint32),
		cancel:  cancel,
	}

	if err := s.arb.Init(); err != nil {
		cancel()
		return nil, err
	}

	windows.Init()

	for _, n := range cfg.Nvms {
		for _, b := range n.Buffers {
			buf := make([]uint32, b.Words)

			if err := s.arb.Register(b.ID, buf); err != nil {
				cancel()
				return nil, errors.Wrapf(err, "buffer %d (%s)", b.ID, b.Name)
			}

			s.buffers[b.ID] = buf
		}
	}

	return s, nil
}

func (s *stack) close() {
	s.cancel()
}

// restoreAll loads every registered buffer that has committed data.
func (s *stack) restoreAll() {
	for id := range s.buffers {
		if err := s.arb.Restore(id); err != nil {
			logger.Debugf("buffer %d not restored: %v", id, err)
		}
	}
}

func (s *stack) buffer(id uint8) ([]uint32, error) {
	buf, ok := s.buffers[id]

	if !ok {
		return nil, errors.Errorf("buffer %d is not configured", id)
	}

	return buf, nil
}

func wordsToBytes(words []uint32) []byte {
	b := make([]byte, len(words)*flash.WordSize)

	for i, w := range words {
		binary.LittleEndian.PutUint32(b[i*flash.WordSize:], w)
	}

	return b
}

// bytesToWords fills words from b, zero padded.
func bytesToWords(words []uint32, b []byte) error {
	if len(b) > len(words)*flash.WordSize {
		return errors.Errorf("%d bytes do not fit into a buffer of %d words", len(b), len(words))
	}

	padded := make([]byte, len(words)*flash.WordSize)
	copy(padded, b)

	for i := range words {
		words[i] = binary.LittleEndian.Uint32(padded[i*flash.WordSize:])
	}

	return nil
}
