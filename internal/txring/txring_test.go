package txring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoundsCapacityToPowerOfTwo(t *testing.T) {
	r := New(1500)
	assert.Equal(t, 2048, r.Cap())

	r = New(64)
	assert.Equal(t, 64, r.Cap())
}

func TestPushPopRoundTrip(t *testing.T) {
	r := New(16)
	n := r.Push([]byte("AT+GSN\r\n"))
	require.Equal(t, 8, n)
	assert.Equal(t, 8, r.Len())

	dst := make([]byte, 8)
	got := r.PopInto(dst)
	require.Equal(t, 8, got)
	assert.Equal(t, "AT+GSN\r\n", string(dst))
	assert.Equal(t, 0, r.Len())
}

func TestPushPartialOnOverflow(t *testing.T) {
	r := New(4)
	n := r.Push([]byte{1, 2, 3, 4, 5, 6})
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, r.Len())
}

func TestPopIntoPartialWhenShortOnData(t *testing.T) {
	r := New(8)
	r.Push([]byte{1, 2, 3})

	dst := make([]byte, 8)
	got := r.PopInto(dst)
	assert.Equal(t, 3, got)
}

func TestWraparoundIndexing(t *testing.T) {
	r := New(4)
	r.Push([]byte{1, 2, 3})
	out := make([]byte, 2)
	r.PopInto(out)
	r.Push([]byte{4, 5})

	dst := make([]byte, 3)
	got := r.PopInto(dst)
	require.Equal(t, 3, got)
	assert.Equal(t, []byte{3, 4, 5}, dst)
}

func TestResetDropsQueuedBytes(t *testing.T) {
	r := New(8)
	r.Push([]byte{1, 2, 3})
	r.Reset()
	assert.Equal(t, 0, r.Len())

	dst := make([]byte, 1)
	assert.Equal(t, 0, r.PopInto(dst))
}
