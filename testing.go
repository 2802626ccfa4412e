package bgxcore

import (
	"github.com/loouq/bgxcore/internal/faketransport"
	"github.com/loouq/bgxcore/internal/interfaces"
)

// Test doubles re-exported for external consumers that want to exercise
// a Modem without real hardware. These are the same in-memory fakes
// internal packages test against.
type (
	TestBridge = faketransport.Bridge
	TestGPIO   = faketransport.GPIO
	TestClock  = faketransport.Clock
)

var (
	NewTestBridge = faketransport.NewBridge
	NewTestGPIO   = faketransport.NewGPIO
	NewTestClock  = faketransport.NewClock
)

// irqSyncGPIO wraps a TestGPIO so that reads of the configured IRQ pin
// reflect the fake bridge's IRQ line rather than whatever was last
// written to the pin table, matching how a real IRQ line is driven by
// the bridge hardware rather than by GPIO writes.
type irqSyncGPIO struct {
	*TestGPIO
	irqPin int
	bridge *TestBridge
}

func (g *irqSyncGPIO) ReadPin(num int) (PinValue, error) {
	if num == g.irqPin {
		low, err := g.bridge.IRQLineLow()
		if err != nil {
			return PinLow, err
		}
		if low {
			return PinLow, nil
		}
		return PinHigh, nil
	}
	return g.TestGPIO.ReadPin(num)
}

var _ interfaces.GPIO = (*irqSyncGPIO)(nil)

// TestHarness bundles a Modem built against in-memory fakes with handles
// to those fakes, so a test can both drive the Modem's public API and
// push bytes/pin changes at the simulated hardware underneath it.
type TestHarness struct {
	Modem  *Modem
	Bridge *TestBridge
	GPIO   *TestGPIO
	Clock  *TestClock
}

// NewTestHarness builds a Modem wired to fresh in-memory GPIO/SPI/Clock
// fakes, with the IRQ pin synchronized to the fake bridge's IRQ line.
// pins.ResetPin may be left 0 if the test doesn't exercise Reset.
func NewTestHarness(pins PinConfig, notify func(Event)) (*TestHarness, error) {
	bridge := faketransport.NewBridge()
	gpio := faketransport.NewGPIO()
	clock := faketransport.NewClock()

	wrapped := &irqSyncGPIO{TestGPIO: gpio, irqPin: pins.IRQPin, bridge: bridge}

	m, err := Create(Config{
		GPIO:  wrapped,
		SPI:   bridge,
		Clock: clock,
		Pins:  pins,
	}, notify)
	if err != nil {
		return nil, err
	}

	return &TestHarness{Modem: m, Bridge: bridge, GPIO: gpio, Clock: clock}, nil
}

// Yield drives one cooperative step of the underlying Modem, equivalent
// to what AwaitResult does internally between polls. Tests use this to
// advance the Modem after pushing bytes onto the fake bridge.
func (h *TestHarness) Yield() {
	h.Modem.yieldOnce()
}
