// Package interfaces provides internal interface definitions for bgxcore.
// These are separate from the public interfaces to avoid circular imports
// between the root package and internal packages.
package interfaces

// PinMode selects the electrical configuration of a GPIO pin.
type PinMode int

const (
	PinModeInput PinMode = iota
	PinModeInputPullup
	PinModeInputPulldown
	PinModeOutput
)

// PinValue is the logical level of a GPIO pin.
type PinValue int

const (
	PinLow PinValue = iota
	PinHigh
)

// IRQTrigger selects which edge/level fires an attached interrupt handler.
type IRQTrigger int

const (
	IRQTriggerLow IRQTrigger = iota
	IRQTriggerHigh
	IRQTriggerRising
	IRQTriggerFalling
	IRQTriggerChange
)

// GPIO is the downward pin-control contract the core consumes. Real silicon
// access is deliberately out of scope for this driver; only the interface is
// named here. internal/hostspi holds the one concrete Linux implementation
// kept in this module, and internal/faketransport holds the test double.
type GPIO interface {
	OpenPin(num int, mode PinMode) error
	ReadPin(num int) (PinValue, error)
	WritePin(num int, value PinValue) error
	AttachISR(num int, trigger IRQTrigger, handler func()) error
}

// SPI is the downward bus-transfer contract the core consumes.
type SPI interface {
	// TransferWord clocks a 16-bit word out while simultaneously clocking
	// one in, matching the bridge's single-transaction register access.
	TransferWord(out uint16) (uint16, error)

	// TransferBuffer clocks an address byte followed by len(buf) data
	// bytes (half-duplex burst): with write set, buf is clocked out;
	// otherwise the response is read into buf in place.
	TransferBuffer(addrByte byte, buf []byte, write bool) error
}

// Clock is the downward timing contract the core consumes.
type Clock interface {
	NowMillis() uint32
	DelayMillis(ms uint32)
}

// Logger interface for optional logging, shaped to match
// internal/logging.Logger without importing it (avoids a cycle with the
// root package, which wraps both).
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Observer interface for metrics collection.
// Implementations must be thread-safe: methods are called from both the
// foreground do-work loop and the interrupt context.
type Observer interface {
	ObserveActionInvoked(cmd string)
	ObserveActionResult(statusCode int, latencyNs uint64)
	ObserveISRPass(sourcesServiced int)
	ObserveTXOverflow(rejectedBytes int)
	ObserveIRDRoundtrip(socketID int, bytes int, latencyNs uint64)
	ObserveMQTTPublish(qos int, latencyNs uint64, success bool)
	ObserveMQTTReceive(bytes int)
}
