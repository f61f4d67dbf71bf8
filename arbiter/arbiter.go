// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// Package arbiter stores application buffers in flash with power loss
// safety. Every NVM owns a ring of banks; a write builds a complete new bank
// (header, buffers, CRC) next to the current one and only then makes it the
// bank to restore from, erasing the previous generation afterwards.
package arbiter

import (
	"sync"

	"github.com/bbnote/gostnvm/crcctrl"
	"github.com/bbnote/gostnvm/flash"
	"github.com/bbnote/gostnvm/flashmgr"
	"github.com/boljen/go-bitmap"
)

// Status is reported to write callbacks.
type Status int

const (
	OperationComplete Status = iota
	OperationFailed
)

func (s Status) String() string {
	switch s {
	case OperationComplete:
		return "complete"
	case OperationFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Callback is called once the write it was registered with is committed to
// flash or has failed.
type Callback func(Status)

// FlashManager is the serialized flash access the arbiter writes through.
type FlashManager interface {
	Write(src []uint32, dest uint32, node *flashmgr.CallbackNode) error
	Erase(firstSector uint32, count uint32, node *flashmgr.CallbackNode) error
}

const (
	DefaultRetryLimit   = 3
	DefaultEraseRetries = 8
	defaultCrcRetries   = 64

	// requestedBit offsets the "newly requested" half of the pending
	// bitmask from the "active" half.
	requestedBit = BuffersPerNvm
)

type options struct {
	retryLimit   int
	eraseRetries int
}

type Option func(*options)

// WithRetryLimit bounds the erase and rewrite cycles of one bank write.
func WithRetryLimit(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.retryLimit = n
		}
	}
}

// WithEraseRetries bounds the attempts to erase a corrupted bank during Init.
func WithEraseRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.eraseRetries = n
		}
	}
}

type bufferSlot struct {
	data   []uint32
	offset uint32 // byte offset inside the write bank
}

// nvm is the runtime state of one configured NVM.
type nvm struct {
	id  int
	cfg NvmConfig
	nvmLayout

	restore        int // bank to restore from, -1 when none is valid
	restoreCounter uint8
	write          int // bank the next write goes to

	buffers [BuffersPerNvm]bufferSlot

	// bits 0-3: buffers of the running write, bits 4-7: buffers requested
	// since; callbacks use the same indexes
	pending   bitmap.Bitmap
	callbacks [2 * BuffersPerNvm]Callback
}

func (n *nvm) hasRequested() bool {
	for i := requestedBit; i < 2*BuffersPerNvm; i++ {
		if n.pending.Get(i) {
			return true
		}
	}
	return false
}

// Arbiter is the NVM arbiter context. All of its state lives here; several
// arbiters can run side by side on different flash regions.
type Arbiter struct {
	mu   sync.Mutex
	cfg  Config
	dev  flash.Driver
	fm   FlashManager
	crc  *crcctrl.Engine
	opts options

	reader      bankReader
	initialized bool
	nvms        []*nvm

	op   flashOp
	node flashmgr.CallbackNode
}

// New creates an arbiter over the given configuration table. Nothing touches
// flash before Init.
func New(cfg Config, dev flash.Driver, fm FlashManager, crc *crcctrl.Engine, opts ...Option) *Arbiter {
	a := &Arbiter{
		cfg: cfg,
		dev: dev,
		fm:  fm,
		crc: crc,
		opts: options{
			retryLimit:   DefaultRetryLimit,
			eraseRetries: DefaultEraseRetries,
		},
	}

	for _, opt := range opts {
		opt(&a.opts)
	}

	a.node.Callback = a.onFlashEvent
	a.op.nvm = -1

	return a
}

// Init validates the configuration and scans every bank. Corrupted banks and
// older generations are erased; the newest valid bank of each NVM becomes its
// restore bank. Init erases through the flash driver directly and must run
// while flash access is open, before the radio takes it over.
func (a *Arbiter) Init() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.initialized {
		return NewError(ErrorAlreadyInit, "")
	}

	layouts, err := a.cfg.placement(a.dev.Geometry())

	if err != nil {
		return err
	}

	handle, err := a.crc.Register()

	if err != nil {
		return NewError(ErrorCrcInit, "%v", err)
	}

	a.reader = bankReader{dev: a.dev, crc: a.crc, handle: handle, crcRetries: defaultCrcRetries}
	a.nvms = make([]*nvm, len(layouts))

	for i, l := range layouts {
		n := &nvm{
			id:        i,
			cfg:       a.cfg.Nvms[i],
			nvmLayout: l,
			pending:   bitmap.New(2 * BuffersPerNvm),
		}

		if err := a.scan(n); err != nil {
			a.crc.Unregister(handle)
			a.nvms = nil
			return err
		}

		a.layoutBuffers(n)
		a.nvms[i] = n
	}

	a.initialized = true

	return nil
}

// scan elects the restore bank of n and erases every other non blank bank.
func (a *Arbiter) scan(n *nvm) error {
	n.restore = -1

	for b := 0; b < n.banks; b++ {
		state, h, err := a.reader.check(n.id, n.bankAddress(b), n.bankBytes)

		if err != nil {
			return err
		}

		switch state {
		case BankBlank:
			continue

		case BankCorrupted:
			logger.Warnf("nvm %d: bank %d at 0x%08x is corrupted, erasing", n.id, b, n.bankAddress(b))

			if err := a.eraseBankSync(n, b); err != nil {
				return err
			}

		case BankValid:
			if n.restore < 0 {
				n.restore = b
				n.restoreCounter = h.Counter
				continue
			}

			older := b

			if secondIsNewer(n.restoreCounter, h.Counter) {
				older = n.restore
				n.restore = b
				n.restoreCounter = h.Counter
			}

			logger.Debugf("nvm %d: erasing older bank %d", n.id, older)

			if err := a.eraseBankSync(n, older); err != nil {
				return err
			}
		}
	}

	if n.restore >= 0 {
		n.write = (n.restore + 1) % n.banks
		logger.Infof("nvm %d: restoring from bank %d (counter %d)", n.id, n.restore, n.restoreCounter)
	} else {
		n.write = 0
		logger.Infof("nvm %d: no valid bank", n.id)
	}

	return nil
}

// eraseBankSync erases the sectors of a bank through the driver, retrying a
// bounded number of times.
func (a *Arbiter) eraseBankSync(n *nvm, bank int) error {
	geo := a.dev.Geometry()
	first := geo.SectorIndex(n.bankAddress(bank))
	count := n.bankBytes / geo.SectorSize

	for s := first; s < first+count; s++ {
		var err error

		for retries := 0; retries < a.opts.eraseRetries; retries++ {
			if err = a.dev.EraseSector(s); err == nil {
				break
			}

			logger.Debugf("erase of sector %d failed: %v", s, err)
		}

		if err != nil {
			return NewError(ErrorHardwareStuck, "sector %d could not be erased: %v", s, err)
		}
	}

	return nil
}

// layoutBuffers computes the in-bank offset of every registered buffer.
func (a *Arbiter) layoutBuffers(n *nvm) {
	var words [BuffersPerNvm]uint32

	for i, b := range n.buffers {
		words[i] = uint32(len(b.data))
	}

	offsets, _ := layout(words)

	for i := range n.buffers {
		n.buffers[i].offset = offsets[i]
	}
}

// locate maps a buffer id to its NVM and slot.
func (a *Arbiter) locate(bufferID uint8) (*nvm, int, error) {
	index := int(bufferID) / BuffersPerNvm

	if index >= len(a.nvms) {
		return nil, 0, NewError(ErrorBufferIdUnknown, "buffer %d", bufferID)
	}

	return a.nvms[index], int(bufferID) % BuffersPerNvm, nil
}

func (a *Arbiter) checkReady() error {
	if !a.initialized {
		return NewError(ErrorNotInit, "")
	}

	if a.op.state != opIdle {
		return NewError(ErrorCmdPending, "")
	}

	return nil
}

// BankInfo describes where an NVM currently restores from and writes to.
type BankInfo struct {
	RestoreBank    int // -1 when no bank is valid
	RestoreCounter uint8
	WriteBank      int
	RestoreAddress uint32
	WriteAddress   uint32
}

// Banks returns the bank pointers of an NVM.
func (a *Arbiter) Banks(nvmID int) (BankInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return BankInfo{}, NewError(ErrorNotInit, "")
	}

	if nvmID < 0 || nvmID >= len(a.nvms) {
		return BankInfo{}, NewError(ErrorNvmNumber, "nvm %d", nvmID)
	}

	n := a.nvms[nvmID]
	info := BankInfo{
		RestoreBank:    n.restore,
		RestoreCounter: n.restoreCounter,
		WriteBank:      n.write,
		WriteAddress:   n.bankAddress(n.write),
	}

	if n.restore >= 0 {
		info.RestoreAddress = n.bankAddress(n.restore)
	}

	return info, nil
}

// Busy reports whether a write is in progress.
func (a *Arbiter) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.op.state != opIdle
}
