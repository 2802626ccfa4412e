package hostspi

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/loouq/bgxcore/internal/interfaces"
)

// spidev ioctl magic and request numbers, from linux/spi/spidev.h.
const spiIOCMagic = 'k'

var (
	spiIOCWRMode      = iow(spiIOCMagic, 1, 1)
	spiIOCWRBPW       = iow(spiIOCMagic, 3, 1)
	spiIOCWRMaxSpeed  = iow(spiIOCMagic, 4, 4)
	spiIOCMessageSize = unsafe.Sizeof(spiIOCTransfer{})
)

func spiIOCMessage(n int) uintptr {
	return iow(spiIOCMagic, 0, spiIOCMessageSize*uintptr(n))
}

// spiIOCTransfer mirrors struct spi_ioc_transfer. Field order and widths
// must match the kernel ABI exactly; Go's layout already packs it to 32
// bytes with no padding, so no explicit alignment padding is added.
type spiIOCTransfer struct {
	txBuf uint64
	rxBuf uint64

	length   uint32
	speedHz  uint32
	delayUs  uint16
	bitsPerW uint8
	csChange uint8
	txNbits  uint8
	rxNbits  uint8
	wordDlUs uint8
	pad      uint8
}

// spiMode0 is the clock polarity/phase the bridge is wired for.
// The SC16IS741A samples on the rising edge with the clock idling low
// (SPI mode 0), which is the only mode this package configures.
const spiMode0 = 0

// SPIBus is a Linux spidev-backed implementation of interfaces.SPI,
// wired to a single /dev/spidevB.C character device.
type SPIBus struct {
	fd      int
	speedHz uint32
}

// SPIConfig names the spidev device and bus parameters.
type SPIConfig struct {
	Device  string // e.g. "/dev/spidev0.0"
	SpeedHz uint32 // SPI clock rate; 0 defaults to 1MHz
}

// OpenSPI opens and configures the spidev device for mode-0, 8-bit
// words at the requested clock rate.
func OpenSPI(cfg SPIConfig) (*SPIBus, error) {
	speed := cfg.SpeedHz
	if speed == 0 {
		speed = 1_000_000
	}

	f, err := os.OpenFile(cfg.Device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hostspi: open %s: %w", cfg.Device, err)
	}
	fd := int(f.Fd())

	mode := uint8(spiMode0)
	if err := ioctl(fd, spiIOCWRMode, unsafe.Pointer(&mode)); err != nil {
		f.Close()
		return nil, fmt.Errorf("hostspi: SPI_IOC_WR_MODE: %w", err)
	}
	bpw := uint8(8)
	if err := ioctl(fd, spiIOCWRBPW, unsafe.Pointer(&bpw)); err != nil {
		f.Close()
		return nil, fmt.Errorf("hostspi: SPI_IOC_WR_BITS_PER_WORD: %w", err)
	}
	if err := ioctl(fd, spiIOCWRMaxSpeed, unsafe.Pointer(&speed)); err != nil {
		f.Close()
		return nil, fmt.Errorf("hostspi: SPI_IOC_WR_MAX_SPEED_HZ: %w", err)
	}

	return &SPIBus{fd: fd, speedHz: speed}, nil
}

func (b *SPIBus) Close() error {
	return unix.Close(b.fd)
}

func (b *SPIBus) transfer(tx, rx []byte) error {
	xfer := spiIOCTransfer{
		txBuf:    uint64(uintptr(unsafe.Pointer(&tx[0]))),
		rxBuf:    uint64(uintptr(unsafe.Pointer(&rx[0]))),
		length:   uint32(len(tx)),
		speedHz:  b.speedHz,
		bitsPerW: 8,
	}
	return ioctl(b.fd, spiIOCMessage(1), unsafe.Pointer(&xfer))
}

// TransferWord clocks a 16-bit register transaction: the high byte
// carries (channel, address<<3, r/w bit), the low byte is the data
// lane, matching the bridge's single-transaction register access.
func (b *SPIBus) TransferWord(out uint16) (uint16, error) {
	tx := []byte{byte(out >> 8), byte(out)}
	rx := make([]byte, 2)
	if err := b.transfer(tx, rx); err != nil {
		return 0, fmt.Errorf("hostspi: SPI word transfer: %w", err)
	}
	return uint16(rx[0])<<8 | uint16(rx[1]), nil
}

// TransferBuffer clocks an address byte followed by len(buf) data
// bytes in one chip-select window: when write is true, buf is clocked
// out and the bridge's responses on those bytes are discarded; when
// false, buf is overwritten in place with the bytes the bridge clocks
// back for a FIFO burst read.
func (b *SPIBus) TransferBuffer(addrByte byte, buf []byte, write bool) error {
	tx := make([]byte, len(buf)+1)
	tx[0] = addrByte
	if write {
		copy(tx[1:], buf)
	}
	rx := make([]byte, len(tx))
	if err := b.transfer(tx, rx); err != nil {
		return fmt.Errorf("hostspi: SPI buffer transfer: %w", err)
	}
	if !write {
		copy(buf, rx[1:])
	}
	return nil
}

var _ interfaces.SPI = (*SPIBus)(nil)
