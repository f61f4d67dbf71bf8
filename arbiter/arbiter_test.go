// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package arbiter

import (
	"context"
	"time"

	"github.com/bbnote/gostnvm/bgtask"
	"github.com/bbnote/gostnvm/crcctrl"
	"github.com/bbnote/gostnvm/flash"
	"github.com/bbnote/gostnvm/flashmgr"
	"github.com/bbnote/gostnvm/rfts"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

const (
	nvm0Bank0 = 0x08008000
	nvm0Bank1 = 0x08009000
	nvm1Bank0 = 0x0800A000
	nvm1Bank1 = 0x0800B000
	nvm1Bank2 = 0x0800C000
)

func haveCode(code ErrorCode) OmegaMatcher {
	return WithTransform(Code, Equal(code))
}

var _ = Describe("Init", func() {
	var b *bench

	BeforeEach(func() {
		b = newBench(flash.NewMemory(benchGeometry))
	})

	It("starts without restore bank on blank flash", func() {
		b.boot()

		Expect(b.banks(0)).To(Equal(BankInfo{RestoreBank: -1, WriteBank: 0, WriteAddress: nvm0Bank0}))
		Expect(b.banks(1)).To(Equal(BankInfo{RestoreBank: -1, WriteBank: 0, WriteAddress: nvm1Bank0}))

		_, erases := b.mem.Stats()
		Expect(erases).To(BeZero())
	})

	It("fails a second time", func() {
		b.boot()

		Expect(b.arb.Init()).To(haveCode(ErrorAlreadyInit))
	})

	It("rejects a bad configuration", func() {
		b.arb = New(Config{StartAddress: 0x08008004, Nvms: benchConfig.Nvms}, b.mem, b.fm, crcctrl.New())

		Expect(b.arb.Init()).To(haveCode(ErrorNvmNotAligned))
		Expect(b.arb.Register(0, make([]uint32, 4))).To(haveCode(ErrorNotInit))
	})

	It("fails when the crc engine has no free handle", func() {
		crc := crcctrl.New()
		for i := 0; i < crcctrl.MaxHandles; i++ {
			_, err := crc.Register()
			Expect(err).NotTo(HaveOccurred())
		}
		b.arb = New(benchConfig, b.mem, b.fm, crc)

		Expect(b.arb.Init()).To(haveCode(ErrorCrcInit))
	})

	It("keeps the newer of two valid banks and erases the other", func() {
		pokeBank(b.mem, nvm0Bank0, 0, 4, [BuffersPerNvm][]uint32{{1, 1, 1, 1}})
		pokeBank(b.mem, nvm0Bank1, 0, 5, [BuffersPerNvm][]uint32{{2, 2, 2, 2}})
		b.boot()

		Expect(b.banks(0)).To(Equal(BankInfo{
			RestoreBank:    1,
			RestoreCounter: 5,
			WriteBank:      0,
			RestoreAddress: nvm0Bank1,
			WriteAddress:   nvm0Bank0,
		}))
		Expect(b.blank(nvm0Bank0)).To(BeTrue())

		buf := make([]uint32, 4)
		Expect(b.arb.Register(0, buf)).To(Succeed())
		Expect(b.arb.Restore(0)).To(Succeed())
		Expect(buf).To(Equal([]uint32{2, 2, 2, 2}))
	})

	It("treats a counter exactly 0xFF ahead as older", func() {
		// 255 - 0 == 0xFF: bank 1 does not supersede bank 0
		pokeBank(b.mem, nvm0Bank0, 0, 0, [BuffersPerNvm][]uint32{{1, 1, 1, 1}})
		pokeBank(b.mem, nvm0Bank1, 0, 255, [BuffersPerNvm][]uint32{{2, 2, 2, 2}})
		b.boot()

		Expect(b.banks(0).RestoreBank).To(Equal(0))
		Expect(b.blank(nvm0Bank1)).To(BeTrue())
	})

	It("keeps the later bank when counters are half a cycle apart", func() {
		// 0x80 apart each counter counts as newer than the other, the bank
		// scanned last wins
		pokeBank(b.mem, nvm0Bank0, 0, 0x80, [BuffersPerNvm][]uint32{{1, 1, 1, 1}})
		pokeBank(b.mem, nvm0Bank1, 0, 0x00, [BuffersPerNvm][]uint32{{2, 2, 2, 2}})
		b.boot()

		Expect(b.banks(0).RestoreBank).To(Equal(1))
		Expect(b.banks(0).RestoreCounter).To(Equal(uint8(0x00)))
		Expect(b.blank(nvm0Bank0)).To(BeTrue())
	})

	It("follows the counter over the wrap", func() {
		pokeBank(b.mem, nvm1Bank1, 1, 255, [BuffersPerNvm][]uint32{{1, 1, 1, 1}})
		pokeBank(b.mem, nvm1Bank2, 1, 0, [BuffersPerNvm][]uint32{{2, 2, 2, 2}})
		b.boot()

		Expect(b.banks(1).RestoreBank).To(Equal(2))
		Expect(b.banks(1).WriteBank).To(Equal(0))
		Expect(b.blank(nvm1Bank1)).To(BeTrue())
	})

	It("erases implausible and crc corrupted banks", func() {
		pokeBank(b.mem, nvm0Bank0, 0, 1, [BuffersPerNvm][]uint32{{1, 2, 3, 4}})
		pokeBank(b.mem, nvm1Bank0, 1, 1, [BuffersPerNvm][]uint32{{1, 2, 3, 4}})
		pokeBank(b.mem, nvm1Bank1, 0, 2, [BuffersPerNvm][]uint32{{1, 2, 3, 4}}) // ids of nvm 0
		Expect(b.mem.Poke(nvm0Bank0+HeaderSize, []byte{0x55})).To(Succeed())
		Expect(b.mem.Poke(nvm1Bank2+100, []byte{0x00})).To(Succeed())
		b.boot()

		Expect(b.banks(0).RestoreBank).To(Equal(-1))
		Expect(b.banks(1).RestoreBank).To(Equal(0))

		for _, addr := range []uint32{nvm0Bank0, nvm0Bank1, nvm1Bank1, nvm1Bank2} {
			Expect(b.blank(addr)).To(BeTrue(), "bank at 0x%08x", addr)
		}
	})

	It("leaves at most one valid bank per nvm", func() {
		pokeBank(b.mem, nvm1Bank0, 1, 7, [BuffersPerNvm][]uint32{{7}})
		pokeBank(b.mem, nvm1Bank1, 1, 8, [BuffersPerNvm][]uint32{{8}})
		pokeBank(b.mem, nvm1Bank2, 1, 9, [BuffersPerNvm][]uint32{{9}})
		b.boot()

		reports, err := Inspect(b.mem, benchConfig)
		Expect(err).NotTo(HaveOccurred())

		for _, report := range reports {
			valid := 0
			for _, bank := range report.Banks {
				if bank.State == BankValid {
					valid++
					Expect(bank.Restore).To(BeTrue())
					Expect(bank.Index).To(Equal(b.banks(report.ID).RestoreBank))
				}
			}
			Expect(valid).To(BeNumerically("<=", 1))
		}

		Expect(b.banks(1).RestoreCounter).To(Equal(uint8(9)))
	})

	It("retries failing erases a bounded number of times", func() {
		Expect(b.mem.Poke(nvm0Bank1, []byte{0x00})).To(Succeed())

		b.mem.FailErases(DefaultEraseRetries)
		Expect(b.arb.Init()).To(haveCode(ErrorHardwareStuck))

		b.mem.FailErases(DefaultEraseRetries - 1)
		Expect(b.arb.Init()).To(Succeed())
		Expect(b.blank(nvm0Bank1)).To(BeTrue())
	})

	It("reports a crc engine that stays busy", func() {
		pokeBank(b.mem, nvm0Bank0, 0, 1, [BuffersPerNvm][]uint32{{1, 2, 3, 4}})

		crc := crcctrl.New()
		crc.MutexTake = func() bool { return false }
		b.arb = New(benchConfig, b.mem, b.fm, crc)

		Expect(b.arb.Init()).To(haveCode(ErrorHardwareStuck))
	})
})

var _ = Describe("Register and Restore", func() {
	var b *bench

	BeforeEach(func() {
		b = newBench(flash.NewMemory(benchGeometry)).boot()
	})

	It("validates the buffer", func() {
		Expect(b.arb.Register(8, make([]uint32, 4))).To(haveCode(ErrorBufferIdUnknown))
		Expect(b.arb.Register(0, nil)).To(haveCode(ErrorBufferNull))
		Expect(b.arb.Register(0, []uint32{})).To(haveCode(ErrorBufferSize))
		Expect(b.arb.Register(0, make([]uint32, 1021))).To(haveCode(ErrorBankOverflow))

		Expect(b.arb.Register(0, make([]uint32, 1000))).To(Succeed())
		Expect(b.arb.Register(0, make([]uint32, 4))).To(haveCode(ErrorBufferSlotUsed))
		Expect(b.arb.Register(1, make([]uint32, 21))).To(haveCode(ErrorBankOverflow))
		Expect(b.arb.Register(1, make([]uint32, 20))).To(Succeed())
	})

	It("needs a registered buffer and a committed bank", func() {
		Expect(b.arb.Restore(0)).To(haveCode(ErrorBufferNotRegistered))
		Expect(b.arb.Restore(9)).To(haveCode(ErrorBufferIdUnknown))

		Expect(b.arb.Register(0, make([]uint32, 4))).To(Succeed())
		Expect(b.arb.Restore(0)).To(haveCode(ErrorNvmBankEmpty))
	})

	It("restores what was written after a reset", func() {
		security := []uint32{0xCAFE0001, 0xCAFE0002, 0xCAFE0003, 0xCAFE0004}
		keys := []uint32{0x11, 0x22}
		Expect(b.arb.Register(0, security)).To(Succeed())
		Expect(b.arb.Register(2, keys)).To(Succeed())

		log := &statusLog{}
		Expect(b.arb.Write(0, log.callback())).To(Succeed())
		b.queue.RunPending()
		Expect(log.statuses).To(Equal([]Status{OperationComplete}))

		h := b.header(nvm0Bank0)
		Expect(h.Sizes).To(Equal([BuffersPerNvm]uint16{4, 0, 2, 0}))
		Expect(h.BufferIDs).To(Equal([BuffersPerNvm]uint8{0, 1, 2, 3}))

		r := b.reboot().boot()
		restored := make([]uint32, 4)
		restoredKeys := make([]uint32, 2)
		Expect(r.arb.Register(0, restored)).To(Succeed())
		Expect(r.arb.Register(2, restoredKeys)).To(Succeed())
		Expect(r.arb.Restore(0)).To(Succeed())
		Expect(r.arb.Restore(2)).To(Succeed())

		Expect(restored).To(Equal(security))
		Expect(restoredKeys).To(Equal(keys))
	})

	It("reports a size mismatch with the stored buffer", func() {
		Expect(b.arb.Register(0, []uint32{1, 2, 3, 4})).To(Succeed())
		Expect(b.arb.Write(0, nil)).To(Succeed())
		b.queue.RunPending()

		r := b.reboot().boot()
		Expect(r.arb.Register(0, make([]uint32, 5))).To(Succeed())
		Expect(r.arb.Restore(0)).To(haveCode(ErrorBufferConfigMismatch))
	})

	It("revalidates the restore bank", func() {
		Expect(b.arb.Register(0, []uint32{1, 2, 3, 4})).To(Succeed())
		Expect(b.arb.Write(0, nil)).To(Succeed())
		b.queue.RunPending()

		Expect(b.mem.Poke(nvm0Bank0+HeaderSize+2, []byte{0x77})).To(Succeed())

		Expect(b.arb.Restore(0)).To(haveCode(ErrorNvmBankCorrupted))
	})

	It("is refused while a write is running", func() {
		Expect(b.arb.Register(0, []uint32{1, 2, 3, 4})).To(Succeed())
		Expect(b.arb.Write(0, nil)).To(Succeed())
		Expect(b.arb.Busy()).To(BeTrue())

		Expect(b.arb.Register(1, []uint32{1})).To(haveCode(ErrorCmdPending))
		Expect(b.arb.Restore(0)).To(haveCode(ErrorCmdPending))

		b.queue.RunPending()

		Expect(b.arb.Busy()).To(BeFalse())
		Expect(b.arb.Register(1, []uint32{1})).To(Succeed())
		Expect(b.arb.Restore(0)).To(Succeed())
	})

	It("falls back to blank after the only bank was corrupted", func() {
		Expect(b.arb.Register(0, []uint32{1, 2, 3, 4})).To(Succeed())

		log := &statusLog{}
		Expect(b.arb.Write(0, log.callback())).To(Succeed())
		b.queue.RunPending()
		Expect(log.statuses).To(Equal([]Status{OperationComplete}))

		written := b.banks(0).RestoreAddress
		crc := b.header(written).Crc
		Expect(b.mem.Poke(written+2, []byte{^uint8(crc), ^uint8(crc >> 8)})).To(Succeed())

		r := b.reboot().boot()
		Expect(r.blank(written)).To(BeTrue())
		Expect(r.arb.Register(0, make([]uint32, 4))).To(Succeed())
		Expect(r.arb.Restore(0)).To(haveCode(ErrorNvmBankEmpty))
	})
})

var _ = Describe("Write", func() {
	var b *bench

	BeforeEach(func() {
		b = newBench(flash.NewMemory(benchGeometry)).boot()
		Expect(b.arb.Register(0, []uint32{1, 2, 3, 4})).To(Succeed())
		Expect(b.arb.Register(1, []uint32{5, 6})).To(Succeed())
		Expect(b.arb.Register(4, []uint32{9, 9, 9, 9, 9, 9, 9, 9})).To(Succeed())
	})

	It("validates the buffer", func() {
		Expect(b.arb.Write(8, nil)).To(haveCode(ErrorBufferIdUnknown))
		Expect(b.arb.Write(2, nil)).To(haveCode(ErrorBufferNotRegistered))
		Expect(b.arb.Busy()).To(BeFalse())

		fresh := newBench(flash.NewMemory(benchGeometry))
		Expect(fresh.arb.Write(0, nil)).To(haveCode(ErrorNotInit))
	})

	It("completes through time windows only", func() {
		log := &statusLog{}
		Expect(b.arb.Write(0, log.callback())).To(Succeed())
		b.queue.RunPending()

		Expect(log.statuses).To(Equal([]Status{OperationComplete}))
		Expect(b.radio.Requests()).To(BeNumerically(">=", 3))
		Expect(b.mem.Allowed()).To(BeFalse())
	})

	It("increments the counter and rotates through the banks", func() {
		for i := 0; i < 5; i++ {
			Expect(b.arb.Write(4, nil)).To(Succeed())
			b.queue.RunPending()

			info := b.banks(1)
			Expect(info.RestoreBank).To(Equal(i % 3))
			Expect(info.WriteBank).To(Equal((i + 1) % 3))
			Expect(info.RestoreCounter).To(Equal(uint8(i)))
			Expect(b.header(info.RestoreAddress).Counter).To(Equal(uint8(i)))

			for bank, addr := range []uint32{nvm1Bank0, nvm1Bank1, nvm1Bank2} {
				Expect(b.blank(addr)).To(Equal(bank != info.RestoreBank))
			}
		}
	})

	It("rolls the counter over", func() {
		r := newBench(flash.NewMemory(benchGeometry))
		pokeBank(r.mem, nvm0Bank0, 0, 254, [BuffersPerNvm][]uint32{{1, 2, 3, 4}})
		r.boot()
		Expect(r.arb.Register(0, []uint32{1, 2, 3, 4})).To(Succeed())

		for _, want := range []uint8{255, 0, 1} {
			Expect(r.arb.Write(0, nil)).To(Succeed())
			r.queue.RunPending()

			Expect(r.banks(0).RestoreCounter).To(Equal(want))
		}
	})

	It("merges requests made while another nvm is written", func() {
		first, second, other := &statusLog{}, &statusLog{}, &statusLog{}

		Expect(b.arb.Write(4, other.callback())).To(Succeed())
		Expect(b.arb.Write(0, first.callback())).To(Succeed())
		Expect(b.arb.Write(1, second.callback())).To(Succeed())
		b.queue.RunPending()

		Expect(other.statuses).To(Equal([]Status{OperationComplete}))
		Expect(first.statuses).To(Equal([]Status{OperationComplete}))
		Expect(second.statuses).To(Equal([]Status{OperationComplete}))

		// one bank write for both buffers of nvm 0
		Expect(b.banks(0).RestoreBank).To(Equal(0))
		Expect(b.banks(0).RestoreCounter).To(Equal(uint8(0)))
		Expect(b.blank(nvm0Bank1)).To(BeTrue())
	})

	It("writes the bank once for requests made while the same nvm is written", func() {
		first, second, third := &statusLog{}, &statusLog{}, &statusLog{}

		Expect(b.arb.Write(0, first.callback())).To(Succeed())
		Expect(b.arb.Write(1, second.callback())).To(Succeed())
		Expect(b.arb.Write(0, third.callback())).To(Succeed())
		b.queue.RunPending()

		Expect(first.statuses).To(Equal([]Status{OperationComplete}))
		Expect(second.statuses).To(Equal([]Status{OperationComplete}))
		Expect(third.statuses).To(Equal([]Status{OperationComplete}))

		// header, buffer 0 and buffer 1 programmed once, nothing superseded
		writes, erases := b.mem.Stats()
		Expect(writes).To(Equal(3))
		Expect(erases).To(Equal(0))
		Expect(b.banks(0).RestoreBank).To(Equal(0))
		Expect(b.banks(0).RestoreCounter).To(Equal(uint8(0)))
		Expect(b.blank(nvm0Bank1)).To(BeTrue())
	})

	It("writes the bank again for a buffer changed after the running write took it", func() {
		r := newBench(flash.NewMemory(benchGeometry)).boot()
		buf1 := []uint32{5, 6}
		Expect(r.arb.Register(0, []uint32{1, 2, 3, 4})).To(Succeed())
		Expect(r.arb.Register(1, buf1)).To(Succeed())

		first, second := &statusLog{}, &statusLog{}
		Expect(r.arb.Write(0, first.callback())).To(Succeed())
		buf1[0] = 7
		Expect(r.arb.Write(1, second.callback())).To(Succeed())
		r.queue.RunPending()

		Expect(first.statuses).To(Equal([]Status{OperationComplete}))
		Expect(second.statuses).To(Equal([]Status{OperationComplete}))
		Expect(r.banks(0).RestoreCounter).To(Equal(uint8(1)))

		rr := r.reboot().boot()
		restored := make([]uint32, 2)
		Expect(rr.arb.Register(0, make([]uint32, 4))).To(Succeed())
		Expect(rr.arb.Register(1, restored)).To(Succeed())
		Expect(rr.arb.Restore(1)).To(Succeed())
		Expect(restored).To(Equal([]uint32{7, 6}))
	})

	It("erases a dirty write bank before writing it", func() {
		Expect(b.mem.Poke(nvm0Bank0+0x800, []byte{0x00})).To(Succeed())

		log := &statusLog{}
		Expect(b.arb.Write(0, log.callback())).To(Succeed())
		b.queue.RunPending()

		Expect(log.statuses).To(Equal([]Status{OperationComplete}))
		Expect(b.banks(0).RestoreBank).To(Equal(0))
	})

	It("fails every pending callback of the nvm on flash errors", func() {
		first, second := &statusLog{}, &statusLog{}
		b.mem.FailWrites(1 << 20)

		Expect(b.arb.Write(0, first.callback())).To(Succeed())
		Expect(b.arb.Write(1, second.callback())).To(Succeed())
		b.queue.RunPending()

		Expect(first.statuses).To(Equal([]Status{OperationFailed}))
		Expect(second.statuses).To(Equal([]Status{OperationFailed}))
		Expect(b.arb.Busy()).To(BeFalse())
		Expect(b.banks(0).RestoreBank).To(Equal(-1))

		b.mem.FailWrites(0)
		log := &statusLog{}
		Expect(b.arb.Write(0, log.callback())).To(Succeed())
		b.queue.RunPending()

		Expect(log.statuses).To(Equal([]Status{OperationComplete}))
	})

	It("keeps the previous generation on power loss", func() {
		Expect(b.arb.Write(0, nil)).To(Succeed())
		b.queue.RunPending()

		// header and two buffers make three programs, the erase of the
		// superseded bank a fourth operation
		for budget := 0; budget <= 4; budget++ {
			By("cutting power after a number of flash operations")

			r := b.reboot().boot()
			buf0 := []uint32{0xA, 0xB, 0xC, 0xD}
			Expect(r.arb.Register(0, buf0)).To(Succeed())
			Expect(r.arb.Register(1, []uint32{0xE, 0xF})).To(Succeed())

			r.mem.SetOpBudget(budget)
			Expect(r.arb.Write(0, nil)).To(Succeed())
			r.queue.RunPending()
			Expect(r.arb.Busy()).To(BeFalse())

			after := r.reboot().boot()
			restored := make([]uint32, 4)
			Expect(after.arb.Register(0, restored)).To(Succeed())
			Expect(after.arb.Restore(0)).To(Succeed())

			if budget < 3 {
				Expect(restored).To(Equal([]uint32{1, 2, 3, 4}), "budget %d", budget)
				Expect(after.banks(0).RestoreBank).To(Equal(0))
				Expect(after.blank(nvm0Bank1)).To(BeTrue())
			} else {
				Expect(restored).To(Equal(buf0), "budget %d", budget)
				Expect(after.banks(0).RestoreBank).To(Equal(1))
				Expect(after.blank(nvm0Bank0)).To(BeTrue())
			}
		}
	})

	Context("with a scripted flash manager", func() {
		var (
			sm  *scriptedManager
			arb *Arbiter
		)

		BeforeEach(func() {
			mem := flash.NewMemory(benchGeometry)
			sm = &scriptedManager{mem: mem, queue: bgtask.NewQueue()}
			arb = New(benchConfig, mem, sm, crcctrl.New(), WithRetryLimit(2))

			Expect(arb.Init()).To(Succeed())
			Expect(arb.Register(0, []uint32{1, 2, 3, 4})).To(Succeed())
		})

		It("rolls back when the first submission is rejected", func() {
			sm.err = errors.New("bus fault")
			log := &statusLog{}

			Expect(arb.Write(0, log.callback())).To(haveCode(ErrorFlashError))
			Expect(arb.Busy()).To(BeFalse())

			sm.err = nil
			Expect(arb.Write(0, nil)).To(Succeed())
			sm.queue.RunPending()

			Expect(log.statuses).To(BeEmpty())
			Expect(arb.Busy()).To(BeFalse())
		})

		It("resubmits the same call when the manager becomes available", func() {
			sm.busyCalls = 1
			log := &statusLog{}

			Expect(arb.Write(0, log.callback())).To(Succeed())
			Expect(sm.writes).To(BeZero())
			Expect(sm.queued).NotTo(BeNil())

			sm.queued.Callback(flashmgr.OperationAvailable)
			sm.queue.RunPending()

			Expect(log.statuses).To(Equal([]Status{OperationComplete}))
			Expect(sm.writes).To(Equal(2))
		})

		It("rewrites a bank failing verification", func() {
			tampered := false
			sm.tamper = func(dest uint32) {
				if dest == nvm0Bank0+HeaderSize && !tampered {
					tampered = true
					sm.mem.Poke(dest, []byte{0x00})
				}
			}
			log := &statusLog{}

			Expect(arb.Write(0, log.callback())).To(Succeed())
			sm.queue.RunPending()

			Expect(log.statuses).To(Equal([]Status{OperationComplete}))
			Expect(sm.erases).To(Equal(1))
			Expect(sm.writes).To(Equal(4))
		})

		It("rewrites a bank whose header reads back wrong", func() {
			tampered := false
			sm.tamper = func(dest uint32) {
				if dest == nvm0Bank0 && !tampered {
					tampered = true
					sm.mem.Poke(dest+1, []byte{0x42})
				}
			}

			Expect(arb.Write(0, nil)).To(Succeed())
			sm.queue.RunPending()

			info, err := arb.Banks(0)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.RestoreBank).To(Equal(0))
			Expect(sm.erases).To(Equal(1))
		})

		It("gives up after the retry limit", func() {
			sm.tamper = func(dest uint32) {
				if dest == nvm0Bank0+HeaderSize {
					sm.mem.Poke(dest, []byte{0x00})
				}
			}
			log := &statusLog{}

			Expect(arb.Write(0, log.callback())).To(Succeed())
			sm.queue.RunPending()

			Expect(log.statuses).To(Equal([]Status{OperationFailed}))
			Expect(sm.erases).To(Equal(2))
			Expect(arb.Busy()).To(BeFalse())

			info, err := arb.Banks(0)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.RestoreBank).To(Equal(-1))
		})
	})
})

var _ = Describe("WriteAndWait", func() {
	It("blocks until the background loop committed the bank", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		mem := flash.NewMemory(benchGeometry)
		loop := bgtask.NewLoop()
		go loop.Run(ctx)

		windows := rfts.New(rfts.NewLoopbackScheduler(loop), mem, rfts.WithTimerFactory(func(time.Duration, func()) rfts.Timer {
			return idleTimer{}
		}))
		arb := New(benchConfig, mem, flashmgr.New(mem, windows, loop), crcctrl.New())

		Expect(arb.Init()).To(Succeed())
		windows.Init()

		buf := []uint32{3, 1, 4, 1, 5}
		Expect(arb.Register(5, buf)).To(Succeed())

		waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
		defer waitCancel()
		Expect(arb.WriteAndWait(waitCtx, 5)).To(Succeed())

		buf[0] = 0
		Expect(arb.Restore(5)).To(Succeed())
		Expect(buf).To(Equal([]uint32{3, 1, 4, 1, 5}))
	})

	It("stops waiting when the context ends", func() {
		b := newBench(flash.NewMemory(benchGeometry)).boot()
		Expect(b.arb.Register(0, []uint32{1, 2, 3, 4})).To(Succeed())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := b.arb.WriteAndWait(ctx, 0)
		Expect(errors.Is(err, context.Canceled)).To(BeTrue())

		b.queue.RunPending()
		Expect(b.arb.Busy()).To(BeFalse())
	})
})

var _ = Describe("Inspect", func() {
	It("reports every bank without modifying flash", func() {
		b := newBench(flash.NewMemory(benchGeometry)).boot()
		Expect(b.arb.Register(0, []uint32{1, 2, 3, 4})).To(Succeed())
		Expect(b.arb.Write(0, nil)).To(Succeed())
		b.queue.RunPending()
		Expect(b.mem.Poke(nvm1Bank2, []byte{0x00})).To(Succeed())

		for i := 0; i < 2; i++ {
			reports, err := Inspect(b.mem, benchConfig)
			Expect(err).NotTo(HaveOccurred())
			Expect(reports).To(HaveLen(2))

			Expect(reports[0].Name).To(Equal("ble"))
			Expect(reports[0].Banks).To(HaveLen(2))
			Expect(reports[0].Banks[0].State).To(Equal(BankValid))
			Expect(reports[0].Banks[0].Restore).To(BeTrue())
			Expect(reports[0].Banks[0].Header.Sizes[0]).To(Equal(uint16(4)))
			Expect(reports[0].Banks[1].State).To(Equal(BankBlank))

			Expect(reports[1].Banks).To(HaveLen(3))
			Expect(reports[1].Banks[2].Address).To(Equal(uint32(nvm1Bank2)))
			Expect(reports[1].Banks[2].State).To(Equal(BankCorrupted))
			Expect(reports[1].Banks[2].Restore).To(BeFalse())
		}
	})

	It("validates the configuration", func() {
		_, err := Inspect(flash.NewMemory(benchGeometry), Config{})

		Expect(err).To(haveCode(ErrorNvmNull))
	})
})
