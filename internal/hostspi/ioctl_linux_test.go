package hostspi

import (
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestIOCEncodingMatchesKnownKernelRequestNumbers(t *testing.T) {
	// TCGETS2 (_IOR('T', 0x2A, sizeof(termios2))) is a well-known stable
	// request number on every architecture this driver targets; any
	// mismatch here means the ioc() encoding itself is wrong.
	const termios2Size = 44
	assert.Equal(t, uintptr(0x802c542a), ior('T', 0x2A, termios2Size))
}

func TestSPIIOCMessageScalesWithTransferCount(t *testing.T) {
	one := spiIOCMessage(1)
	two := spiIOCMessage(2)
	assert.NotEqual(t, one, two)
	assert.Equal(t, spiIOCMessageSize, unsafe.Sizeof(spiIOCTransfer{}))
	assert.EqualValues(t, 32, spiIOCMessageSize)
}

func TestGPIORequestIOCTLsAreDistinct(t *testing.T) {
	reqs := []uintptr{
		gpioHandleGetLineIOCTL,
		gpioHandleGetValuesIOCTL,
		gpioHandleSetValuesIOCTL,
		gpioEventGetRequestIOCTL,
	}
	seen := map[uintptr]bool{}
	for _, r := range reqs {
		assert.False(t, seen[r], "duplicate ioctl request number %#x", r)
		seen[r] = true
	}
}

func requireDevice(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		t.Skipf("%s not available in this environment: %v", path, err)
	}
}

func TestOpenSPIRequiresDevice(t *testing.T) {
	requireDevice(t, "/dev/spidev0.0")
	bus, err := OpenSPI(SPIConfig{Device: "/dev/spidev0.0"})
	if err != nil {
		t.Skipf("opening spidev0.0 failed (likely needs permissions): %v", err)
	}
	defer bus.Close()
}

func TestOpenGPIOChipRequiresDevice(t *testing.T) {
	requireDevice(t, "/dev/gpiochip0")
	chip, err := OpenGPIOChip("/dev/gpiochip0")
	if err != nil {
		t.Skipf("opening gpiochip0 failed (likely needs permissions): %v", err)
	}
	defer chip.Close()
}
