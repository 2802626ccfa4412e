// Package rxpool implements the statically-indexed RX buffer pools: a
// primary pool sized for command responses and URCs, and a data pool
// sized for bulk socket/MQTT payloads. Buffers carry no free-list; a
// buffer's Peer field doubling as its occupancy flag is the allocator.
package rxpool

import (
	"github.com/loouq/bgxcore/internal/constants"
)

// Peer identifies what a buffer's contents are bound to. PeerNone marks a
// buffer free for allocation; all other values mark it owned.
type Peer int

const (
	PeerNone Peer = iota
	PeerPending
	PeerCommand
	PeerSocketBase // PeerSocketBase+socketID identifies a bound socket/MQTT stream
)

// Buffer is one fixed-capacity RX buffer slot.
type Buffer struct {
	Peer      Peer
	Data      []byte
	Len       int
	DataReady bool
}

func (b *Buffer) reset() {
	b.Peer = PeerNone
	b.Len = 0
	b.DataReady = false
}

// free reports whether the slot is available for allocation.
func (b *Buffer) free() bool {
	return b.Peer == PeerNone
}

// Pool is a fixed-size array of same-sized buffers, scanned linearly for a
// free slot on allocation, matching the original driver's ring-scan
// discipline (rxOpenCtrlBlock: advance from the last head until an
// unoccupied slot is found).
type Pool struct {
	bufs []Buffer
	head int
}

// newPool allocates count buffers of bufSize bytes apiece.
func newPool(count, bufSize int) *Pool {
	bufs := make([]Buffer, count)
	for i := range bufs {
		bufs[i].Data = make([]byte, bufSize)
	}
	return &Pool{bufs: bufs}
}

// NewPrimaryPool builds the small command/URC buffer pool.
func NewPrimaryPool() *Pool {
	return newPool(constants.PrimaryBufferCount, constants.PrimaryBufferSize)
}

// NewDataPool builds the larger bulk-stream buffer pool.
func NewDataPool() *Pool {
	return newPool(constants.DataBufferCount, constants.DataBufferSize)
}

// Alloc scans from the slot after the last allocated index for a free
// buffer, returning its index and pointer, or constants.NoBuffer if the
// pool is exhausted.
func (p *Pool) Alloc() (int, *Buffer) {
	n := len(p.bufs)
	for i := 1; i <= n; i++ {
		idx := (p.head + i) % n
		if p.bufs[idx].free() {
			p.bufs[idx].Peer = PeerPending
			p.head = idx
			return idx, &p.bufs[idx]
		}
	}
	return constants.NoBuffer, nil
}

// Get returns the buffer at idx without changing its state.
func (p *Pool) Get(idx int) *Buffer {
	if idx < 0 || idx >= len(p.bufs) {
		return nil
	}
	return &p.bufs[idx]
}

// Release returns a buffer to the free pool.
func (p *Pool) Release(idx int) {
	if idx < 0 || idx >= len(p.bufs) {
		return
	}
	p.bufs[idx].reset()
}

// Len returns the number of buffers in the pool.
func (p *Pool) Len() int {
	return len(p.bufs)
}
