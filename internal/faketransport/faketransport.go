// Package faketransport provides in-memory GPIO/SPI/Clock test doubles
// standing in for the real Linux host bus, used by package tests and
// available to external consumers that want to exercise bgxcore without
// real hardware.
package faketransport

import (
	"fmt"
	"sync"

	"github.com/loouq/bgxcore/internal/interfaces"
)

// Bridge emulates just enough of the SC16IS741A register file to drive
// iop/bridge tests: a byte-addressable register bank plus RX/TX FIFO
// byte queues. It is not a faithful emulation of every register's side
// effects, only the ones this driver reads and writes.
type Bridge struct {
	mu sync.Mutex

	regs [16]uint8
	rx   []byte
	tx   []byte

	// txIrqArmed tracks the one-shot THR-empty interrupt pending since
	// power-up: reading IIR clears it, as on real SC16IS741A/16550-style
	// hardware, and so does any FIFO write. The fake never re-arms it.
	txIrqArmed bool

	// IRQLow reports whether the IRQ line is currently asserted (active
	// low). Tests can push this to simulate the interrupt going away.
	IRQLow bool
}

// NewBridge returns a fake bridge with the FIFO empty and IRQ line high.
// The TX FIFO starts empty, so a THR-empty interrupt is pending exactly
// as it would be after real hardware power-up.
func NewBridge() *Bridge {
	return &Bridge{txIrqArmed: true}
}

// FeedRx appends bytes as if they had arrived over the UART, raising
// RXLVL and asserting the IRQ line.
func (f *Bridge) FeedRx(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rx = append(f.rx, data...)
	f.IRQLow = true
}

// TakeTx drains and returns whatever has been written to the TX FIFO.
func (f *Bridge) TakeTx() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.tx
	f.tx = nil
	return out
}

const (
	regIIR   = 0x02
	regLSR   = 0x05
	regTXLVL = 0x08
	regRXLVL = 0x09
	regFIFO  = 0x00
	fifoCap  = 0x40
)

// TransferWord implements interfaces.SPI for single-register access.
func (f *Bridge) TransferWord(out uint16) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	addrByte := uint8(out >> 8)
	reg := (addrByte >> 3) & 0x0F
	isRead := addrByte&0x80 != 0
	data := uint8(out & 0xFF)

	switch reg {
	case regIIR:
		return uint16(f.iirLocked()), nil
	case regLSR:
		return uint16(f.lsrLocked()), nil
	case regTXLVL:
		// Written bytes count as already on the wire (TakeTx reads them
		// back), so the FIFO always reports fully free, matching lsrLocked.
		return uint16(fifoCap), nil
	case regRXLVL:
		n := len(f.rx)
		if n > fifoCap {
			n = fifoCap
		}
		return uint16(n), nil
	case regFIFO:
		if isRead {
			if len(f.rx) == 0 {
				return 0, nil
			}
			b := f.rx[0]
			f.rx = f.rx[1:]
			if len(f.rx) == 0 {
				f.IRQLow = false
			}
			return uint16(b), nil
		}
		f.tx = append(f.tx, data)
		f.txIrqArmed = false
		return 0, nil
	default:
		if !isRead {
			f.regs[reg] = data
		}
		return uint16(f.regs[reg]), nil
	}
}

// TransferBuffer implements interfaces.SPI for FIFO burst access.
func (f *Bridge) TransferBuffer(addrByte byte, buf []byte, write bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	reg := (addrByte >> 3) & 0x0F
	if reg != regFIFO {
		return fmt.Errorf("faketransport: burst access to non-fifo register 0x%02x unsupported", reg)
	}

	if write {
		f.tx = append(f.tx, buf...)
		f.txIrqArmed = false
		return nil
	}
	n := len(buf)
	if n > len(f.rx) {
		n = len(f.rx)
	}
	copy(buf, f.rx[:n])
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	f.rx = f.rx[n:]
	if len(f.rx) == 0 {
		f.IRQLow = false
	}
	return nil
}

func (f *Bridge) lsrLocked() uint8 {
	lsr := uint8(0x20 | 0x40) // THR_EMPTY | THR_TSR_EMPTY, always ready to send in the fake
	if len(f.rx) > 0 {
		lsr |= 0x01
	}
	return lsr
}

func (f *Bridge) iirLocked() uint8 {
	if len(f.rx) > 0 {
		return 0x04 // IRQ_SOURCE=2 (rx ready) with nPENDING=0
	}
	if f.txIrqArmed {
		// One-shot: reading IIR while THR-empty is the active source
		// clears it on real hardware, matching 16550-style semantics.
		f.txIrqArmed = false
		return 0x02 // IRQ_SOURCE=1 (tx empty)
	}
	return 0x01 // nPENDING=1, nothing pending
}

// IRQLineLow returns the current IRQ line state, matching the
// func() (bool, error) shape iop.Config expects.
func (f *Bridge) IRQLineLow() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.IRQLow, nil
}

// GPIO is a fake interfaces.GPIO backed by an in-memory pin table.
type GPIO struct {
	mu      sync.Mutex
	modes   map[int]interfaces.PinMode
	values  map[int]interfaces.PinValue
	handlers map[int]func()
}

// NewGPIO returns an empty fake GPIO controller.
func NewGPIO() *GPIO {
	return &GPIO{
		modes:    make(map[int]interfaces.PinMode),
		values:   make(map[int]interfaces.PinValue),
		handlers: make(map[int]func()),
	}
}

func (g *GPIO) OpenPin(num int, mode interfaces.PinMode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.modes[num] = mode
	return nil
}

func (g *GPIO) ReadPin(num int) (interfaces.PinValue, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.values[num], nil
}

func (g *GPIO) WritePin(num int, value interfaces.PinValue) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values[num] = value
	return nil
}

// AttachISR records the handler; it runs only when Fire is called for
// the pin, on the caller's goroutine — there is no real interrupt
// controller backing this fake, and trigger is not consulted.
func (g *GPIO) AttachISR(num int, trigger interfaces.IRQTrigger, handler func()) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[num] = handler
	return nil
}

// Fire invokes the handler attached to pin num, if any, simulating an
// edge. Tests call this directly; nothing else in the fake invokes it.
func (g *GPIO) Fire(num int) {
	g.mu.Lock()
	h := g.handlers[num]
	g.mu.Unlock()
	if h != nil {
		h()
	}
}

// Clock is a fake interfaces.Clock with a manually-advanced time base.
type Clock struct {
	mu  sync.Mutex
	now uint32
}

// NewClock returns a fake clock starting at t=0ms.
func NewClock() *Clock {
	return &Clock{}
}

func (c *Clock) NowMillis() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the fake clock forward by ms milliseconds.
func (c *Clock) Advance(ms uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += ms
}

// DelayMillis advances the clock immediately rather than actually
// sleeping, so tests never block on simulated delays.
func (c *Clock) DelayMillis(ms uint32) {
	c.Advance(ms)
}
