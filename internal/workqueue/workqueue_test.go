package workqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := New()
	q.Push(1)
	q.Push(2)
	q.Push(3)

	for _, want := range []int{1, 2, 3} {
		item, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, want, item)
	}

	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestBufferIndexQueue(t *testing.T) {
	q := NewBufferIndexQueue()
	q.Push(3)
	q.Push(5)

	idx, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 3, idx)
	assert.Equal(t, 1, q.Len())
}

func TestIRDRequestQueue(t *testing.T) {
	q := NewIRDRequestQueue()
	q.Push(IRDRequest{SocketID: 2, SSL: true, Bytes: 512})

	req, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 2, req.SocketID)
	assert.True(t, req.SSL)
	assert.Equal(t, 512, req.Bytes)

	_, ok = q.Pop()
	assert.False(t, ok)
}
