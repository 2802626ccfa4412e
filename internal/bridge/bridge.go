// Package bridge drives the NXP SC16IS741A SPI-to-UART register set that
// sits between the host and the BGx modem's UART.
package bridge

import (
	"fmt"

	"github.com/loouq/bgxcore/internal/constants"
	"github.com/loouq/bgxcore/internal/interfaces"
)

// Register addresses (general register set, LCR selector 0x00). A handful of
// addresses are reused across register sets; FCR/IIR share 0x02, TCR/MSR
// share 0x06, TLR/SPR share 0x07, and the special/enhanced sets remap
// 0x00/0x01/0x02 to DLL/DLH/EFR.
const (
	RegFIFO    = 0x00
	RegIER     = 0x01
	RegFCR     = 0x02
	RegIIR     = 0x02
	RegLCR     = 0x03
	RegMCR     = 0x04
	RegLSR     = 0x05
	RegMSR     = 0x06
	RegTCR     = 0x06
	RegSPR     = 0x07
	RegTLR     = 0x07
	RegTXLVL   = 0x08
	RegRXLVL   = 0x09
	RegUARTRST = 0x0E
	RegEFCR    = 0x0F
	RegDLL     = 0x00
	RegDLH     = 0x01
	RegEFR     = 0x02
)

// LCR register-set selector values.
const (
	RegSetGeneral  = 0x00
	RegSetSpecial  = 0x80
	RegSetEnhanced = 0xBF
)

// IER bits.
const (
	IERRxDataAvail = 0x01
	IERThrEmpty    = 0x02
	IERRxLineStat  = 0x04
)

// FCR bits. Trigger levels occupy the top nibble.
const (
	FCREnable    = 0x01
	FCRRxReset   = 0x02
	FCRTxReset   = 0x04
	FCRRxLvl56   = 0x80
	FCRTxLvl56   = 0xC0
)

// IIR interrupt source codes, read from IIR[5:1] once the nPENDING bit
// (IIR[0]) and the FIFO_EN bits (IIR[7:6]) are stripped off.
const (
	IIRSourceModem         = 0x00
	IIRSourceTxEmpty       = 0x01
	IIRSourceRxReady       = 0x02
	IIRSourceLineStatusErr = 0x03
	IIRSourceRxTimeout     = 0x06
)

// LSR bits.
const (
	LSRDataReady     = 0x01
	LSROverrunError  = 0x02
	LSRParityError   = 0x04
	LSRFramingError  = 0x08
	LSRBreakInt      = 0x10
	LSRThrEmpty      = 0x20
	LSRThrTsrEmpty   = 0x40
	LSRFifoDataError = 0x80
)

const lineErrorMask = LSROverrunError | LSRParityError | LSRFramingError | LSRBreakInt

// EFR enhanced-functions-enable bit (set while LCR selects the enhanced set).
const EFREnhancedFnsEn = 0x10

// MCR TCR/TLR-enable bit.
const MCRTcrTlrEn = 0x04

// UART byte framing presented to the modem: 8 data bits, no parity, 1 stop.
const lcrFraming8N1 = 0x03

// fifoDepth is the bridge's internal TX/RX FIFO depth in bytes.
const fifoDepth = 0x40

// Bridge drives register access and FIFO transfers on the SC16IS741A over
// a caller-supplied SPI bus.
type Bridge struct {
	spi interfaces.SPI
	log interfaces.Logger
}

// New constructs a Bridge bound to the given SPI transport.
func New(spi interfaces.SPI, log interfaces.Logger) *Bridge {
	return &Bridge{spi: spi, log: log}
}

// addrByte packs a register address and read/write flag into the
// first byte of a two-byte SPI register transaction.
func addrByte(reg uint8, isRead bool) uint8 {
	b := (reg & 0x0F) << 3
	if isRead {
		b |= 0x80
	}
	return b
}

// ReadReg reads a single register value.
func (b *Bridge) ReadReg(reg uint8) (uint8, error) {
	out := uint16(addrByte(reg, true)) << 8
	in, err := b.spi.TransferWord(out)
	if err != nil {
		return 0, fmt.Errorf("bridge: read reg 0x%02x: %w", reg, err)
	}
	return uint8(in & 0xFF), nil
}

// WriteReg writes a single register value.
func (b *Bridge) WriteReg(reg uint8, data uint8) error {
	out := uint16(addrByte(reg, false))<<8 | uint16(data)
	if _, err := b.spi.TransferWord(out); err != nil {
		return fmt.Errorf("bridge: write reg 0x%02x: %w", reg, err)
	}
	return nil
}

// modifyReg performs a read-modify-write on a register, grounded on the
// original driver's REG_MODIFY macro.
func (b *Bridge) modifyReg(reg uint8, modify func(v uint8) uint8) error {
	v, err := b.ReadReg(reg)
	if err != nil {
		return err
	}
	return b.WriteReg(reg, modify(v))
}

// BurstRead reads dest_len bytes out of the FIFO register in a single SPI
// transaction, used to drain the RX FIFO once RXLVL indicates data present.
func (b *Bridge) BurstRead(dest []byte) error {
	if len(dest) == 0 {
		return nil
	}
	if err := b.spi.TransferBuffer(addrByte(RegFIFO, true), dest, false); err != nil {
		return fmt.Errorf("bridge: burst read %d bytes: %w", len(dest), err)
	}
	return nil
}

// BurstWrite writes src into the FIFO register in a single SPI transaction.
func (b *Bridge) BurstWrite(src []byte) error {
	if len(src) == 0 {
		return nil
	}
	buf := make([]byte, len(src))
	copy(buf, src)
	if err := b.spi.TransferBuffer(addrByte(RegFIFO, false), buf, true); err != nil {
		return fmt.Errorf("bridge: burst write %d bytes: %w", len(src), err)
	}
	return nil
}

// enableFifo configures and enables the FCR FIFO with 56-byte trigger
// levels on both directions.
func (b *Bridge) enableFifo() error {
	return b.WriteReg(RegFCR, FCREnable|FCRRxLvl56|FCRTxLvl56)
}

// enableIrqMode enables RX-data-available and THR-empty interrupts, then
// switches into the enhanced register set long enough to raise the TLR
// trigger levels, mirroring the original bring-up sequence exactly.
func (b *Bridge) enableIrqMode() error {
	if err := b.WriteReg(RegIER, IERRxDataAvail|IERThrEmpty); err != nil {
		return err
	}

	if err := b.WriteReg(RegLCR, RegSetEnhanced); err != nil {
		return err
	}
	if err := b.modifyReg(RegEFR, func(v uint8) uint8 { return v | EFREnhancedFnsEn }); err != nil {
		return err
	}
	if err := b.WriteReg(RegLCR, RegSetGeneral); err != nil {
		return err
	}

	if err := b.modifyReg(RegMCR, func(v uint8) uint8 { return v | MCRTcrTlrEn }); err != nil {
		return err
	}
	// TLR[7:4]=RX, TLR[3:0]=TX, trigger level is value*4 characters.
	return b.WriteReg(RegTLR, 0xFF)
}

// flushRxFifo drains and discards the RX FIFO, stopping once LSR reports
// no data in receiver and an empty transmit holding/shift register.
func (b *Bridge) flushRxFifo() error {
	for i := 0; i < fifoDepth; i++ {
		lsr, err := b.ReadReg(RegLSR)
		if err != nil {
			return err
		}
		if lsr == (LSRThrEmpty | LSRThrTsrEmpty) {
			break
		}
		if _, err := b.ReadReg(RegFIFO); err != nil {
			return err
		}
	}
	return nil
}

// startUart sets the baud-rate divisor and byte framing, then flushes
// whatever garbage accumulated in the RX FIFO during power-up.
func (b *Bridge) startUart() error {
	if err := b.WriteReg(RegLCR, RegSetSpecial); err != nil {
		return err
	}
	if err := b.WriteReg(RegDLL, constants.BridgeBaudDivisorLow); err != nil {
		return err
	}
	if err := b.WriteReg(RegDLH, constants.BridgeBaudDivisorHigh); err != nil {
		return err
	}
	if err := b.WriteReg(RegLCR, RegSetGeneral); err != nil {
		return err
	}
	if err := b.WriteReg(RegLCR, lcrFraming8N1); err != nil {
		return err
	}
	return b.flushRxFifo()
}

// Start brings the bridge up: enables the FIFO, enables interrupt mode,
// then starts the UART clock and framing. This must complete before the
// host attaches its IRQ line handler.
func (b *Bridge) Start() error {
	if err := b.enableFifo(); err != nil {
		return fmt.Errorf("bridge: enable fifo: %w", err)
	}
	if err := b.enableIrqMode(); err != nil {
		return fmt.Errorf("bridge: enable irq mode: %w", err)
	}
	if err := b.startUart(); err != nil {
		return fmt.Errorf("bridge: start uart: %w", err)
	}
	if b.log != nil {
		b.log.Debugf("bridge started")
	}
	return nil
}

// IIRPending is true when IIR[0] (nPENDING) reports at least one serviced
// interrupt source is outstanding.
func IIRPending(iir uint8) bool {
	return iir&0x01 == 0
}

// IIRSource extracts the 5-bit interrupt source field from a raw IIR read.
func IIRSource(iir uint8) uint8 {
	return (iir >> 1) & 0x1F
}

// ReadIIR reads the raw interrupt identification register value. Use
// IIRPending and IIRSource to decode it.
func (b *Bridge) ReadIIR() (uint8, error) {
	return b.ReadReg(RegIIR)
}

// ReadLSR reads the line status register.
func (b *Bridge) ReadLSR() (uint8, error) {
	return b.ReadReg(RegLSR)
}

// HasLineError reports whether an LSR value carries a receiver line error
// (overrun, parity, framing, or break).
func HasLineError(lsr uint8) bool {
	return lsr&lineErrorMask != 0
}

// RxLevel reads the number of bytes currently queued in the RX FIFO.
func (b *Bridge) RxLevel() (uint8, error) {
	return b.ReadReg(RegRXLVL)
}

// TxLevel reads the number of free bytes in the TX FIFO.
func (b *Bridge) TxLevel() (uint8, error) {
	return b.ReadReg(RegTXLVL)
}

// ResetFifos resets the RX and/or TX FIFO hardware pointers via FCR,
// re-enabling the FIFO afterward since the reset bits self-clear but the
// FIFO_EN bit must be rewritten to resume normal operation.
func (b *Bridge) ResetFifos(rx, tx bool) error {
	bits := uint8(FCREnable | FCRRxLvl56 | FCRTxLvl56)
	if rx {
		bits |= FCRRxReset
	}
	if tx {
		bits |= FCRTxReset
	}
	return b.WriteReg(RegFCR, bits)
}

// FifoCapacity is the bridge's FIFO depth, exported for callers sizing
// burst transfers against a single full-FIFO drain.
const FifoCapacity = fifoDepth
