package hostspi

import (
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/loouq/bgxcore/internal/interfaces"
)

// gpio-cdev v1 uAPI, from linux/gpio.h.
const gpioIOCMagic = 0xB4

const (
	gpioHandleRequestInput    = 1 << 0
	gpioHandleRequestOutput   = 1 << 1
	gpioHandleRequestActiveLo = 1 << 2
	gpioHandleRequestBiasPU   = 1 << 5
	gpioHandleRequestBiasPD   = 1 << 6
)

const (
	gpioEventRequestRising  = 1 << 0
	gpioEventRequestFalling = 1 << 1
	gpioEventRequestBoth    = gpioEventRequestRising | gpioEventRequestFalling
)

type gpioHandleRequest struct {
	lineOffsets   [64]uint32
	flags         uint32
	defaultValues [64]uint8
	consumerLabel [32]byte
	lines         uint32
	fd            int32
}

type gpioHandleData struct {
	values [64]uint8
}

type gpioEventRequest struct {
	lineOffset    uint32
	handleFlags   uint32
	eventFlags    uint32
	consumerLabel [32]byte
	fd            int32
}

type gpioEventData struct {
	timestamp uint64
	id        uint32
	_         uint32 // kernel struct pads id to 8 bytes
}

var (
	gpioHandleGetLineIOCTL   = iowr(gpioIOCMagic, 0x03, unsafe.Sizeof(gpioHandleRequest{}))
	gpioHandleGetValuesIOCTL = iowr(gpioIOCMagic, 0x08, unsafe.Sizeof(gpioHandleData{}))
	gpioHandleSetValuesIOCTL = iowr(gpioIOCMagic, 0x09, unsafe.Sizeof(gpioHandleData{}))
	gpioEventGetRequestIOCTL = iowr(gpioIOCMagic, 0x04, unsafe.Sizeof(gpioEventRequest{}))
)

type gpioLine struct {
	handleFd int
	eventFd  int
	stop     chan struct{}
}

// GPIOChip is a Linux gpio character-device-backed implementation of
// interfaces.GPIO, wired to a single /dev/gpiochipN.
type GPIOChip struct {
	mu    sync.Mutex
	fd    int
	lines map[int]*gpioLine
}

// OpenGPIOChip opens the named gpio character device (e.g.
// "/dev/gpiochip0"). Individual pins are requested lazily by OpenPin.
func OpenGPIOChip(device string) (*GPIOChip, error) {
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hostspi: open %s: %w", device, err)
	}
	return &GPIOChip{fd: int(f.Fd()), lines: make(map[int]*gpioLine)}, nil
}

func (c *GPIOChip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for num, l := range c.lines {
		c.releaseLine(l)
		delete(c.lines, num)
	}
	return unix.Close(c.fd)
}

func (c *GPIOChip) releaseLine(l *gpioLine) {
	if l.stop != nil {
		close(l.stop)
	}
	if l.eventFd != 0 {
		unix.Close(l.eventFd)
	}
	if l.handleFd != 0 {
		unix.Close(l.handleFd)
	}
}

func consumerLabel() [32]byte {
	var b [32]byte
	copy(b[:], "bgxcore")
	return b
}

// OpenPin requests line num from the chip with the given electrical
// configuration, matching open_pin(num, mode).
func (c *GPIOChip) OpenPin(num int, mode interfaces.PinMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.lines[num]; ok {
		c.releaseLine(existing)
		delete(c.lines, num)
	}

	req := gpioHandleRequest{
		lines:         1,
		consumerLabel: consumerLabel(),
	}
	req.lineOffsets[0] = uint32(num)

	switch mode {
	case interfaces.PinModeInput:
		req.flags = gpioHandleRequestInput
	case interfaces.PinModeInputPullup:
		req.flags = gpioHandleRequestInput | gpioHandleRequestBiasPU
	case interfaces.PinModeInputPulldown:
		req.flags = gpioHandleRequestInput | gpioHandleRequestBiasPD
	case interfaces.PinModeOutput:
		req.flags = gpioHandleRequestOutput
	default:
		return fmt.Errorf("hostspi: unknown pin mode %d", mode)
	}

	if err := ioctl(c.fd, gpioHandleGetLineIOCTL, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("hostspi: GPIOHANDLE_GET_LINE_HANDLE for pin %d: %w", num, err)
	}

	c.lines[num] = &gpioLine{handleFd: int(req.fd)}
	return nil
}

func (c *GPIOChip) lineFor(num int) (*gpioLine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.lines[num]
	if !ok {
		return nil, fmt.Errorf("hostspi: pin %d not opened", num)
	}
	return l, nil
}

// ReadPin reads the current logical level of num.
func (c *GPIOChip) ReadPin(num int) (interfaces.PinValue, error) {
	l, err := c.lineFor(num)
	if err != nil {
		return interfaces.PinLow, err
	}
	var data gpioHandleData
	if err := ioctl(l.handleFd, gpioHandleGetValuesIOCTL, unsafe.Pointer(&data)); err != nil {
		return interfaces.PinLow, fmt.Errorf("hostspi: GPIOHANDLE_GET_LINE_VALUES for pin %d: %w", num, err)
	}
	if data.values[0] != 0 {
		return interfaces.PinHigh, nil
	}
	return interfaces.PinLow, nil
}

// WritePin drives num to value; only meaningful for output pins.
func (c *GPIOChip) WritePin(num int, value interfaces.PinValue) error {
	l, err := c.lineFor(num)
	if err != nil {
		return err
	}
	var data gpioHandleData
	if value == interfaces.PinHigh {
		data.values[0] = 1
	}
	if err := ioctl(l.handleFd, gpioHandleSetValuesIOCTL, unsafe.Pointer(&data)); err != nil {
		return fmt.Errorf("hostspi: GPIOHANDLE_SET_LINE_VALUES for pin %d: %w", num, err)
	}
	return nil
}

// AttachISR requests an edge-triggered line event for num and runs
// handler on a dedicated goroutine for each event the kernel reports.
// Level triggers (low/high) have no gpio-cdev v1 equivalent, so they
// are serviced by polling the handle at a fixed interval and firing
// handler on each sample that matches the requested level; this is
// only ever used for bring-up against the bridge IRQ line, which is
// normally attached as IRQTriggerFalling in production.
func (c *GPIOChip) AttachISR(num int, trigger interfaces.IRQTrigger, handler func()) error {
	c.mu.Lock()
	existing, hadLine := c.lines[num]
	c.mu.Unlock()
	if hadLine && existing.eventFd != 0 {
		return fmt.Errorf("hostspi: pin %d already has an attached ISR", num)
	}

	if trigger == interfaces.IRQTriggerLow || trigger == interfaces.IRQTriggerHigh {
		return c.attachLevelPoll(num, trigger, handler)
	}

	req := gpioEventRequest{
		lineOffset:    uint32(num),
		handleFlags:   gpioHandleRequestInput,
		consumerLabel: consumerLabel(),
	}
	switch trigger {
	case interfaces.IRQTriggerRising:
		req.eventFlags = gpioEventRequestRising
	case interfaces.IRQTriggerFalling:
		req.eventFlags = gpioEventRequestFalling
	case interfaces.IRQTriggerChange:
		req.eventFlags = gpioEventRequestBoth
	default:
		return fmt.Errorf("hostspi: unknown IRQ trigger %d", trigger)
	}

	if err := ioctl(c.fd, gpioEventGetRequestIOCTL, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("hostspi: GPIOEVENT_GET_REQUEST for pin %d: %w", num, err)
	}

	line := &gpioLine{eventFd: int(req.fd), stop: make(chan struct{})}
	c.mu.Lock()
	c.lines[num] = line
	c.mu.Unlock()

	go func() {
		var evt gpioEventData
		buf := (*[unsafe.Sizeof(evt)]byte)(unsafe.Pointer(&evt))[:]
		for {
			select {
			case <-line.stop:
				return
			default:
			}
			n, err := unix.Read(line.eventFd, buf)
			if err != nil || n != len(buf) {
				return
			}
			handler()
		}
	}()
	return nil
}

func (c *GPIOChip) attachLevelPoll(num int, trigger interfaces.IRQTrigger, handler func()) error {
	if _, err := c.lineFor(num); err != nil {
		if err := c.OpenPin(num, interfaces.PinModeInput); err != nil {
			return err
		}
	}
	line, err := c.lineFor(num)
	if err != nil {
		return err
	}
	line.stop = make(chan struct{})
	want := interfaces.PinLow
	if trigger == interfaces.IRQTriggerHigh {
		want = interfaces.PinHigh
	}

	go func() {
		for {
			select {
			case <-line.stop:
				return
			default:
			}
			if v, err := c.ReadPin(num); err == nil && v == want {
				handler()
			}
			time.Sleep(time.Millisecond)
		}
	}()
	return nil
}

var _ interfaces.GPIO = (*GPIOChip)(nil)
