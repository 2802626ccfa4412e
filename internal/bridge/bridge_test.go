package bridge

import (
	"testing"

	"github.com/loouq/bgxcore/internal/faketransport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSequence(t *testing.T) {
	spi := faketransport.NewBridge()
	b := New(spi, nil)

	err := b.Start()
	require.NoError(t, err)
}

func TestReadWriteRegRoundTrip(t *testing.T) {
	spi := faketransport.NewBridge()
	b := New(spi, nil)

	require.NoError(t, b.WriteReg(RegSPR, 0x42))
	v, err := b.ReadReg(RegSPR)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x42), v)
}

func TestBurstReadDrainsFedBytes(t *testing.T) {
	spi := faketransport.NewBridge()
	b := New(spi, nil)
	spi.FeedRx([]byte("AT+GSN\r\n"))

	dst := make([]byte, 8)
	require.NoError(t, b.BurstRead(dst))
	assert.Equal(t, "AT+GSN\r\n", string(dst))
}

func TestBurstWriteQueuesBytes(t *testing.T) {
	spi := faketransport.NewBridge()
	b := New(spi, nil)

	require.NoError(t, b.BurstWrite([]byte("AT\r\n")))
	assert.Equal(t, "AT\r\n", string(spi.TakeTx()))
}

func TestHasLineError(t *testing.T) {
	assert.True(t, HasLineError(LSROverrunError))
	assert.True(t, HasLineError(LSRFramingError))
	assert.False(t, HasLineError(LSRDataReady))
	assert.False(t, HasLineError(LSRThrEmpty))
}

func TestIIRPendingAndSource(t *testing.T) {
	assert.True(t, IIRPending(0x04))
	assert.Equal(t, uint8(IIRSourceRxReady), IIRSource(0x04))

	assert.False(t, IIRPending(0x01))
}
