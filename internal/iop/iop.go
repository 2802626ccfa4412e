// Package iop is the interrupt-driven core: it services the bridge's IRQ
// line, classifies freshly-arrived bytes enough to route them (the
// immediate classifier), and exposes a foreground DoWork pass that
// finishes classifying anything the interrupt context left pending (the
// deferred parser).
package iop

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"

	"github.com/loouq/bgxcore/internal/bridge"
	"github.com/loouq/bgxcore/internal/constants"
	"github.com/loouq/bgxcore/internal/interfaces"
	"github.com/loouq/bgxcore/internal/rxpool"
	"github.com/loouq/bgxcore/internal/txring"
	"github.com/loouq/bgxcore/internal/workqueue"
)

// Mode is the current RX reassembly state.
type Mode int

const (
	ModeIdle Mode = iota
	ModeIRDBytes
	ModeEOTPhrase
)

var mqttEOTPhrase = []byte("\"\r\n")

// irdTrailerLen is the length of the "\r\n\r\nOK\r\n" trailer every non-empty
// +QIRD/+QSSLRECV payload is followed by. A bulk IRD receive isn't done
// until this many bytes past the declared payload size have arrived, not
// merely once the payload itself is in hand — the trailer can still be
// in flight behind it.
const irdTrailerLen = len("\r\n\r\nOK\r\n")

// Handlers are the upward callbacks iop invokes as it classifies buffers.
// Each is optional; a nil handler means the event is dropped (used by
// packages that only exercise a subset of iop, such as tests).
type Handlers struct {
	// OnCommandResponse delivers a completed command/URC buffer bound to
	// the command peer (the action layer's result parsers consume these).
	OnCommandResponse func(data []byte)

	// OnSocketData delivers a completed +QIRD/+QSSLRECV payload.
	OnSocketData func(socketID int, ssl bool, remoteHostPresent bool, data []byte)

	// OnSocketClosed fires when an empty IRD response signals end of data.
	OnSocketClosed func(socketID int)

	// OnMQTTMessage delivers a completed +QMTRECV payload.
	OnMQTTMessage func(data []byte)

	// OnPDPDeactivated fires on a +QIURC: "pdpdeact",<ctx> URC.
	OnPDPDeactivated func(ctxID int)

	// OnAppReady fires once on the modem's boot "APP RDY" URC.
	OnAppReady func()

	// RequestIRD is invoked by the deferred parser after a +QIURC: "recv"
	// or +QSSLURC: "recv" URC to kick off the follow-up AT+QIRD/QSSLRECV.
	RequestIRD func(socketID int, ssl bool)
}

// IOP is the interrupt-driven I/O core bound to one bridge.
type IOP struct {
	mu sync.Mutex

	bridge *bridge.Bridge
	clock  interfaces.Clock
	log    interfaces.Logger
	obs    interfaces.Observer
	irq    func() (low bool, err error)
	h      Handlers

	primary *rxpool.Pool
	data    *rxpool.Pool
	tx      *txring.Ring

	deferred *workqueue.BufferIndexQueue

	mode         Mode
	dataIdx      int
	rdsSocket    int
	rdsSSL       bool
	rdsDeclared  int
	rdsRemaining int
	eotPhrase    []byte

	urcStateMsg []byte
}

// Config bundles IOP's downward dependencies.
type Config struct {
	Bridge    *bridge.Bridge
	Clock     interfaces.Clock
	Logger    interfaces.Logger
	Observer  interfaces.Observer
	IRQLineLow func() (bool, error)
	Handlers  Handlers
	TXCapacity int
}

// New builds an IOP with fresh RX/TX buffers.
func New(cfg Config) *IOP {
	txCap := cfg.TXCapacity
	if txCap <= 0 {
		txCap = constants.TXRingCapacity
	}
	return &IOP{
		bridge:   cfg.Bridge,
		clock:    cfg.Clock,
		log:      cfg.Logger,
		obs:      cfg.Observer,
		irq:      cfg.IRQLineLow,
		h:        cfg.Handlers,
		primary:  rxpool.NewPrimaryPool(),
		data:     rxpool.NewDataPool(),
		tx:       txring.New(txCap),
		deferred: workqueue.NewBufferIndexQueue(),
		dataIdx:  constants.NoBuffer,
	}
}

// TxEnqueue pushes bytes for the ISR's TX-THR-empty handler to drain onto
// the wire, returning the count accepted. A short count signals overflow;
// the caller is expected to back off per §4.2.
func (io *IOP) TxEnqueue(data []byte) int {
	return io.tx.Push(data)
}

// TxKick performs the original driver's txSendChunk fast path: if the TX
// FIFO is entirely empty (no send currently in flight), push a chunk
// directly rather than waiting for the next THR-empty interrupt. Safe to
// call from the foreground right after queuing new bytes.
func (io *IOP) TxKick() error {
	io.mu.Lock()
	defer io.mu.Unlock()

	txLvl, err := io.bridge.TxLevel()
	if err != nil {
		return err
	}
	if txLvl != bridge.FifoCapacity {
		return nil // a send is already underway; the ISR will continue it
	}
	return io.drainTxLocked(txLvl)
}

func (io *IOP) drainTxLocked(avail uint8) error {
	if avail == 0 {
		return nil
	}
	buf := make([]byte, avail)
	n := io.tx.PopInto(buf)
	if n == 0 {
		return nil
	}
	return io.bridge.BurstWrite(buf[:n])
}

const maxIrqRetries = 8

// ServiceInterrupt runs one full IRQ-line service: single-pass drains of
// every pending IIR source, exiting only once IIR reports nothing pending
// AND the IRQ line has physically returned high. If the line is still
// low after a pass (the bridge occasionally latches a spurious IRQ), the
// whole pass repeats. Unlike the original firmware's unconditional retry
// loop, this caps retries and logs rather than spinning forever, since a
// goroutine has no watchdog to rely on.
func (io *IOP) ServiceInterrupt() error {
	io.mu.Lock()
	defer io.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if err := io.servicePassLocked(); err != nil {
			return err
		}
		if io.irq == nil {
			return nil
		}
		low, err := io.irq()
		if err != nil {
			return fmt.Errorf("iop: read irq line: %w", err)
		}
		if !low {
			return nil
		}
		if attempt >= maxIrqRetries {
			if io.log != nil {
				io.log.Errorf("iop: irq line failed to reset after %d passes", attempt+1)
			}
			return nil
		}
	}
}

// servicePassLocked drains every source IIR reports pending, in priority
// order, then returns once IIR reports nPENDING.
func (io *IOP) servicePassLocked() error {
	sourcesServiced := 0
	for {
		iir, err := io.bridge.ReadIIR()
		if err != nil {
			return fmt.Errorf("iop: read iir: %w", err)
		}
		if !bridge.IIRPending(iir) {
			break
		}

		switch bridge.IIRSource(iir) {
		case bridge.IIRSourceLineStatusErr:
			if err := io.bridge.ResetFifos(true, false); err != nil {
				return err
			}
			if io.log != nil {
				io.log.Debugf("iop: line status error, rx fifo reset")
			}
		case bridge.IIRSourceRxReady, bridge.IIRSourceRxTimeout:
			if err := io.serviceRxLocked(); err != nil {
				return err
			}
		case bridge.IIRSourceTxEmpty:
			txLvl, err := io.bridge.TxLevel()
			if err != nil {
				return err
			}
			if err := io.drainTxLocked(txLvl); err != nil {
				return err
			}
		}
		sourcesServiced++
	}
	if io.obs != nil && sourcesServiced > 0 {
		io.obs.ObserveISRPass(sourcesServiced)
	}
	return nil
}

// serviceRxLocked reads however many bytes RXLVL reports are waiting,
// routes them into a fresh primary buffer (idle mode) or the active data
// buffer (bulk mode), and classifies the result immediately.
func (io *IOP) serviceRxLocked() error {
	rxLvl, err := io.bridge.RxLevel()
	if err != nil {
		return err
	}
	if rxLvl == 0 {
		return nil
	}

	if io.mode == ModeIdle {
		idx, buf := io.primary.Alloc()
		if idx == constants.NoBuffer {
			if io.log != nil {
				io.log.Errorf("iop: primary pool exhausted, dropping %d bytes", rxLvl)
			}
			return io.bridge.BurstRead(make([]byte, rxLvl))
		}
		if err := io.bridge.BurstRead(buf.Data[:rxLvl]); err != nil {
			return err
		}
		buf.Len = int(rxLvl)
		io.classifyImmediateLocked(idx, buf)
		return nil
	}

	buf := io.data.Get(io.dataIdx)
	if buf == nil {
		return fmt.Errorf("iop: bulk mode active with no bound data buffer")
	}
	if buf.Len+int(rxLvl) > len(buf.Data) {
		rxLvl = uint8(len(buf.Data) - buf.Len)
	}
	if err := io.bridge.BurstRead(buf.Data[buf.Len : buf.Len+int(rxLvl)]); err != nil {
		return err
	}
	buf.Len += int(rxLvl)

	switch io.mode {
	case ModeIRDBytes:
		io.rdsRemaining -= int(rxLvl)
		if io.rdsRemaining <= 0 {
			io.completeBulkLocked(buf)
		}
	case ModeEOTPhrase:
		tail := buf.Data[:buf.Len]
		if len(tail) >= len(io.eotPhrase) && bytes.Equal(tail[len(tail)-len(io.eotPhrase):], io.eotPhrase) {
			io.completeBulkLocked(buf)
		}
	}
	return nil
}

// completeBulkLocked finishes a bulk receive: hands the buffer to the
// appropriate upward handler, releases it, and returns to idle mode. An
// IRD payload is delivered as exactly the declared size, excluding the
// "\r\n\r\nOK\r\n" trailer and any bytes read past it (invariant 5);
// matches the original's receiver_func(socketId, buf->tail, buf->irdSz).
func (io *IOP) completeBulkLocked(buf *rxpool.Buffer) {
	mode := io.mode
	socket := io.rdsSocket
	ssl := io.rdsSSL
	idx := io.dataIdx
	declared := io.rdsDeclared

	io.mode = ModeIdle
	io.dataIdx = constants.NoBuffer
	io.rdsDeclared = 0
	io.rdsRemaining = 0

	payloadLen := buf.Len
	if mode == ModeIRDBytes && declared < payloadLen {
		payloadLen = declared
	}
	payload := make([]byte, payloadLen)
	copy(payload, buf.Data[:payloadLen])
	io.data.Release(idx)

	switch mode {
	case ModeIRDBytes:
		if io.h.OnSocketData != nil {
			io.h.OnSocketData(socket, ssl, false, payload)
		}
	case ModeEOTPhrase:
		if io.h.OnMQTTMessage != nil {
			io.h.OnMQTTMessage(payload)
		}
	}
}

// classifyImmediateLocked is the ISR-resident classifier: it looks only
// at the buffer's known header prefixes and either completes a quick
// disposition (empty IRD) or starts a bulk-mode transition. Anything
// unrecognized is queued for the deferred parser.
func (io *IOP) classifyImmediateLocked(idx int, buf *rxpool.Buffer) {
	body := stripLeadingCRLF(buf.Data[:buf.Len])

	switch {
	case hasPrefix(body, "+QIRD: "):
		io.classifyIRDHeaderLocked(idx, buf, body[len("+QIRD: "):], false)
	case hasPrefix(body, "+QSSLRECV: "):
		io.classifyIRDHeaderLocked(idx, buf, body[len("+QSSLRECV: "):], true)
	case hasPrefix(body, "+QMTRECV: "):
		io.classifyMQTTHeaderLocked(idx, buf, body[len("+QMTRECV: "):])
	default:
		buf.Peer = rxpool.PeerPending
		io.deferred.Push(idx)
	}
}

// classifyIRDHeaderLocked parses "+QIRD: <n>[,...]\r\n<n bytes>" (or the
// SSL equivalent). n==0 signals end-of-data and closes the stream;
// otherwise it opens a data buffer and transitions into bulk receive.
func (io *IOP) classifyIRDHeaderLocked(idx int, buf *rxpool.Buffer, rest []byte, ssl bool) {
	n, remainder := parseLeadingInt(rest)

	if n == 0 {
		io.primary.Release(idx)
		io.mode = ModeIdle
		if io.h.OnSocketClosed != nil {
			io.h.OnSocketClosed(io.rdsSocket)
		}
		return
	}

	dataIdx, dataBuf := io.data.Alloc()
	if dataIdx == constants.NoBuffer {
		if io.log != nil {
			io.log.Errorf("iop: data pool exhausted servicing ird, n=%d", n)
		}
		io.primary.Release(idx)
		return
	}

	copied := copy(dataBuf.Data, remainder)
	dataBuf.Len = copied
	io.primary.Release(idx)

	io.dataIdx = dataIdx
	io.rdsSSL = ssl
	io.rdsDeclared = n
	io.rdsRemaining = n + irdTrailerLen - copied
	io.mode = ModeIRDBytes

	if io.rdsRemaining <= 0 {
		io.completeBulkLocked(dataBuf)
	}
}

// classifyMQTTHeaderLocked opens a data buffer to accumulate a +QMTRECV
// payload up to its close-quote+CRLF terminator.
func (io *IOP) classifyMQTTHeaderLocked(idx int, buf *rxpool.Buffer, body []byte) {
	dataIdx, dataBuf := io.data.Alloc()
	if dataIdx == constants.NoBuffer {
		if io.log != nil {
			io.log.Errorf("iop: data pool exhausted servicing mqtt recv")
		}
		io.primary.Release(idx)
		return
	}

	copied := copy(dataBuf.Data, body)
	dataBuf.Len = copied
	io.primary.Release(idx)

	io.dataIdx = dataIdx
	io.eotPhrase = mqttEOTPhrase
	io.mode = ModeEOTPhrase

	if copied >= len(mqttEOTPhrase) && bytes.Equal(dataBuf.Data[copied-len(mqttEOTPhrase):copied], mqttEOTPhrase) {
		io.completeBulkLocked(dataBuf)
	}
}

// DoWork is the foreground deferred parser: it walks every buffer the
// immediate classifier left pending and finishes classifying it against
// the full URC catalogue.
func (io *IOP) DoWork() {
	for {
		idx, ok := io.deferred.Pop()
		if !ok {
			return
		}
		io.mu.Lock()
		buf := io.primary.Get(idx)
		if buf == nil || buf.Peer != rxpool.PeerPending {
			io.mu.Unlock()
			continue
		}
		io.classifyDeferredLocked(idx, buf)
		io.mu.Unlock()
	}
}

func (io *IOP) classifyDeferredLocked(idx int, buf *rxpool.Buffer) {
	body := stripLeadingCRLF(buf.Data[:buf.Len])

	switch {
	case hasPrefix(body, `+QIURC: "recv"`):
		socketID, _ := parseLeadingInt(afterComma(body))
		io.rdsSocket = socketID
		if io.h.RequestIRD != nil {
			io.h.RequestIRD(socketID, false)
		}
		io.primary.Release(idx)

	case hasPrefix(body, `+QSSLURC: "recv"`):
		socketID, _ := parseLeadingInt(afterComma(body))
		io.rdsSocket = socketID
		if io.h.RequestIRD != nil {
			io.h.RequestIRD(socketID, true)
		}
		io.primary.Release(idx)

	case hasPrefix(body, `+QIURC: "pdpdeact"`):
		ctxID, _ := parseLeadingInt(afterComma(body))
		if io.h.OnPDPDeactivated != nil {
			io.h.OnPDPDeactivated(ctxID)
		}
		io.primary.Release(idx)

	case bytes.HasPrefix(body, []byte("+QIURC: ")):
		io.urcStateMsg = append([]byte(nil), body[len("+QIURC: "):]...)
		io.primary.Release(idx)

	case bytes.HasPrefix(body, []byte("APP RDY\r\n")):
		if io.h.OnAppReady != nil {
			io.h.OnAppReady()
		}
		io.primary.Release(idx)

	default:
		buf.Peer = rxpool.PeerCommand
		if io.h.OnCommandResponse != nil {
			payload := make([]byte, buf.Len)
			copy(payload, buf.Data[:buf.Len])
			io.h.OnCommandResponse(payload)
		}
		io.primary.Release(idx)
	}
}

// LastURCStateMessage returns and clears the single-slot URC state-change
// mailbox (populated by generic "+QIURC: ..." messages that are not the
// recv/pdpdeact cases handled explicitly).
func (io *IOP) LastURCStateMessage() []byte {
	io.mu.Lock()
	defer io.mu.Unlock()
	msg := io.urcStateMsg
	io.urcStateMsg = nil
	return msg
}

func stripLeadingCRLF(b []byte) []byte {
	if len(b) >= 2 && b[0] == '\r' && b[1] == '\n' {
		return b[2:]
	}
	return b
}

func hasPrefix(b []byte, prefix string) bool {
	return bytes.HasPrefix(b, []byte(prefix))
}

// parseLeadingInt parses a leading base-10 integer off b, returning the
// value and the remainder of b starting after the first CRLF following
// the digits (skipping any trailing header punctuation in between).
func parseLeadingInt(b []byte) (int, []byte) {
	i := 0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	n, _ := strconv.Atoi(string(b[:i]))
	rest := b[i:]
	if j := bytes.Index(rest, []byte("\r\n")); j >= 0 {
		rest = rest[j+2:]
	}
	return n, rest
}

// afterComma returns b starting just after its first comma, or b itself
// if there is no comma.
func afterComma(b []byte) []byte {
	if j := bytes.IndexByte(b, ','); j >= 0 {
		return b[j+1:]
	}
	return b
}
