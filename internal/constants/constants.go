// Package constants holds the default tunables for the bgxcore driver.
package constants

import "time"

// TX ring sizing.
const (
	// TXRingCapacity is the TX ring buffer size in bytes. Sized to hold a
	// handful of in-flight AT commands plus one MQTT publish payload before
	// the foreground must back off. txring.New rounds it up to the next
	// power of two (2048) for index masking.
	TXRingCapacity = 1536
)

// RX buffer pool sizing.
const (
	// PrimaryBufferCount is the number of primary (command/URC) RX buffers.
	PrimaryBufferCount = 8

	// PrimaryBufferSize is the capacity of a single primary buffer in bytes.
	// The bridge FIFO is 64 bytes deep, so a single ISR chunk never exceeds
	// this, but some headroom is kept for the leading "\r\n" and URC prefix.
	PrimaryBufferSize = 128

	// DataBufferCount is the number of larger "bulk stream" RX buffers
	// claimed when a socket/MQTT receive transitions out of idle mode.
	DataBufferCount = 2

	// DataBufferSize is the capacity of a single data buffer in bytes.
	// Sized above a typical 1500-byte TCP MSS plus the IRD trailer.
	DataBufferSize = 1500 + 16
)

// NoBuffer is the sentinel index meaning "no buffer bound", mirroring the
// original driver's IOP_NO_BUFFER=255 sentinel.
const NoBuffer = 255

// Socket table sizing.
const (
	// MaxSockets is the number of concurrent TCP/UDP/SSL sockets supported.
	MaxSockets = 6

	// MaxMQTTSubscriptions is the number of concurrent MQTT subscription slots.
	MaxMQTTSubscriptions = 2

	// IRDRequestSize is the byte count requested per AT+QIRD/AT+QSSLRECV,
	// capped to the data buffer capacity.
	IRDRequestSize = 1500
)

// Action lock timing.
const (
	// ActionRetriesDefault is the default number of lock-acquisition retries.
	ActionRetriesDefault = 3

	// ActionRetryInterval is the delay between lock-acquisition retries.
	ActionRetryInterval = 10 * time.Millisecond

	// ActionTimeoutDefault is the default deadline for a command's result.
	ActionTimeoutDefault = 800 * time.Millisecond

	// ActionHistoryResponseCap bounds the stored response text in the
	// single-slot failure history.
	ActionHistoryResponseCap = 256
)

// Bring-up timing.
const (
	// AppReadyTimeout bounds how long Modem.Start waits for the
	// modem's "APP RDY" boot URC before declaring a fatal bring-up failure.
	AppReadyTimeout = 5 * time.Second
)

// UART-bridge clocking, grounded on a 7.378 MHz reference crystal targeting
// a fixed 115200 baud rate (DLL=0x04, DLH=0x00 — see internal/bridge).
const (
	BridgeBaudDivisorLow  = 0x04
	BridgeBaudDivisorHigh = 0x00
)
