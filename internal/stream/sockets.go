// Package stream implements the socket and MQTT pipelines that ride on
// top of the action lock and the IOP's RX classification: it owns the
// socket/subscription tables, issues the follow-up IRD commands a "recv"
// URC provokes, and hands completed payloads to application callbacks.
package stream

import (
	"fmt"
	"sync"

	"github.com/loouq/bgxcore/internal/action"
	"github.com/loouq/bgxcore/internal/constants"
	"github.com/loouq/bgxcore/internal/interfaces"
)

// Protocol selects the wire protocol a socket was opened with.
type Protocol int

const (
	ProtocolNone Protocol = iota
	ProtocolTCP
	ProtocolUDP
	ProtocolSSL
)

// Receiver is invoked with a socket's received bytes.
type Receiver func(socketID int, data []byte)

// pendingParser never completes: IRD actions are closed explicitly by
// the empty-IRD notification, not by a response parser, matching the
// original driver (s_requestIrdData acquires the lock directly and the
// action is only released from sckt_doWork's irdSz==0 branch).
func pendingParser([]byte) (action.StatusCode, int) { return action.StatusPending, 0 }

type socketSlot struct {
	protocol    Protocol
	open        bool
	flushing    bool
	dataPending bool
	receiver    Receiver

	// boundSSL records which RECV URC family announced this socket's
	// data (+QSSLURC vs +QIURC), matching the original's peerTypeMap
	// arming: a socket can have pending data and need an IRD follow-up
	// even when it was never opened through Sockets.Open.
	boundSSL bool
}

// Sockets owns the TCP/UDP/SSL socket table (§4.6).
type Sockets struct {
	mu sync.Mutex

	lock        *action.Lock
	clock       interfaces.Clock
	dataContext int
	yield       func()

	slots [constants.MaxSockets]socketSlot

	// irdOpen is set while the open action lock is this table's IRD pipeline.
	irdOpen bool
}

// Config bundles Sockets's downward dependencies.
type Config struct {
	Lock        *action.Lock
	Clock       interfaces.Clock
	DataContext int
	// Yield is invoked by blocking operations (Open, Close, Send) between
	// polls of the action lock, matching the original's lYield() inside
	// action_awaitResult. Typically services the IOP's ISR and DoWork pass.
	Yield func()
}

// NewSockets builds a Sockets with every slot closed.
func NewSockets(cfg Config) *Sockets {
	return &Sockets{
		lock:        cfg.Lock,
		clock:       cfg.Clock,
		dataContext: cfg.DataContext,
		yield:       cfg.Yield,
	}
}

// statusSocketPrevOpen is the BGx's documented QIOPEN "already open" code
// (563 in Quectel's AT command reference). SOCKET_RESULT_PREVOPEN itself
// is not defined anywhere in the available original source, so this
// value is taken directly from the modem's own documented error table
// rather than guessed.
const statusSocketPrevOpen action.StatusCode = 563

// Open opens socketID over protocol to host:remotePort, matching
// sckt_open. A BGx report that the socket was already open (prevopen)
// is treated as success but primes the pipeline in flushing mode when
// cleanSession is set, silently draining whatever data the prior
// session left queued.
func (s *Sockets) Open(socketID int, protocol Protocol, host string, remotePort, localPort int, cleanSession bool, receiver Receiver) action.StatusCode {
	if socketID < 0 || socketID >= constants.MaxSockets || receiver == nil {
		return action.StatusBadRequest
	}
	s.mu.Lock()
	if s.slots[socketID].protocol != ProtocolNone {
		s.mu.Unlock()
		return action.StatusBadRequest
	}
	s.mu.Unlock()

	var cmd, preamble string
	switch protocol {
	case ProtocolTCP:
		cmd = fmt.Sprintf("AT+QIOPEN=%d,%d,\"TCP\",\"%s\",%d,%d,0", s.dataContext, socketID, host, remotePort, localPort)
		preamble = "+QIOPEN: "
	case ProtocolUDP:
		cmd = fmt.Sprintf("AT+QIOPEN=%d,%d,\"UDP\",\"%s\",%d,%d,0", s.dataContext, socketID, host, remotePort, localPort)
		preamble = "+QIOPEN: "
	case ProtocolSSL:
		cmd = fmt.Sprintf("AT+QSSLOPEN=%d,%d,\"%s\",%d,%d,0", s.dataContext, socketID, host, remotePort, localPort)
		preamble = "+QSSLOPEN: "
	default:
		return action.StatusBadRequest
	}

	parser := action.ServiceResponseParser(preamble, 1)
	if !s.lock.TryInvokeAdv(cmd, constants.ActionRetriesDefault, constants.ActionTimeoutDefault, parser) {
		return action.StatusConflict
	}
	result := s.lock.AwaitResult(true, s.yield)

	if result.StatusCode == action.StatusSuccess || result.StatusCode == statusSocketPrevOpen {
		s.mu.Lock()
		s.slots[socketID] = socketSlot{protocol: protocol, open: true, receiver: receiver}
		if result.StatusCode == statusSocketPrevOpen {
			s.slots[socketID].flushing = cleanSession
			s.slots[socketID].dataPending = true
		}
		s.mu.Unlock()

		if result.StatusCode == statusSocketPrevOpen {
			s.requestIRD(socketID)
		}
	}
	return result.StatusCode
}

// Close closes an open socket, matching sckt_close.
func (s *Sockets) Close(socketID int) action.StatusCode {
	s.mu.Lock()
	slot := s.slots[socketID]
	s.mu.Unlock()
	if slot.protocol == ProtocolNone {
		return action.StatusBadRequest
	}

	var cmd string
	if slot.protocol == ProtocolSSL {
		cmd = fmt.Sprintf("AT+QSSLCLOSE=%d", socketID)
	} else {
		cmd = fmt.Sprintf("AT+QICLOSE=%d", socketID)
	}

	if !s.lock.TryInvoke(cmd) {
		return action.StatusConflict
	}
	result := s.lock.AwaitResult(true, s.yield)
	if result.StatusCode == action.StatusSuccess {
		s.mu.Lock()
		s.slots[socketID] = socketSlot{}
		s.mu.Unlock()
	}
	return result.StatusCode
}

// CloseAll closes every socket bound to contextID, matching
// sckt_closeAll.
func (s *Sockets) CloseAll(contextID int) {
	if contextID != s.dataContext {
		return
	}
	for i := range s.slots {
		s.mu.Lock()
		open := s.slots[i].protocol != ProtocolNone
		s.mu.Unlock()
		if open {
			s.Close(i)
		}
	}
}

// Send transmits data over socketID, matching sckt_send: it issues
// AT+QISEND/AT+QSSLSEND, awaits the "> " data prompt, then streams the
// raw bytes and waits for "SEND OK\r\n".
func (s *Sockets) Send(socketID int, data []byte) action.StatusCode {
	s.mu.Lock()
	slot := s.slots[socketID]
	s.mu.Unlock()
	if !slot.open {
		return action.StatusBadRequest
	}

	var cmd string
	if slot.protocol == ProtocolSSL {
		cmd = fmt.Sprintf("AT+QSSLSEND=%d,%d", socketID, len(data))
	} else {
		cmd = fmt.Sprintf("AT+QISEND=%d,%d", socketID, len(data))
	}

	promptParser := action.DefaultParser("", false, 0, "> ")
	if !s.lock.TryInvokeAdv(cmd, constants.ActionRetriesDefault, constants.ActionRetryInterval, promptParser) {
		return action.StatusConflict
	}
	result := s.lock.AwaitResult(false, s.yield)
	if result.StatusCode != action.StatusSuccess {
		return result.StatusCode
	}

	sendOKParser := action.DefaultParser("", false, 0, "SEND OK\r\n")
	if err := s.lock.SendRaw(data, 0, sendOKParser); err != nil {
		return action.StatusError
	}
	return s.lock.AwaitResult(true, s.yield).StatusCode
}

// Flush drains any queued data on socketID without delivering it to the
// receiver, matching sckt_flush.
func (s *Sockets) Flush(socketID int) bool {
	s.mu.Lock()
	protocol := s.slots[socketID].protocol
	s.mu.Unlock()
	if protocol == ProtocolNone {
		return false
	}
	s.mu.Lock()
	s.slots[socketID].flushing = true
	s.slots[socketID].dataPending = true
	s.mu.Unlock()
	return s.requestIRD(socketID)
}

// OnRequestIRD is wired as iop.Handlers.RequestIRD. It only records that
// the socket has data waiting: it runs with the IOP's internal lock
// held (it fires from inside DoWork's deferred-parse pass), and issuing
// the AT+QIRD command from here would re-enter the IOP to transmit and
// deadlock. PumpPending, called from the application's do-work loop
// after the IOP has been serviced, is what actually issues it.
func (s *Sockets) OnRequestIRD(socketID int, ssl bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if socketID < 0 || socketID >= constants.MaxSockets {
		return
	}
	s.slots[socketID].dataPending = true
	s.slots[socketID].boundSSL = ssl
}

// PumpPending issues an IRD request for the first socket with data
// pending, matching sckt_doWork's second half ("open a data pipeline
// from sockets sources"). Must be called outside of any IOP callback.
func (s *Sockets) PumpPending() {
	for i := range s.slots {
		s.mu.Lock()
		pending := s.slots[i].dataPending
		s.mu.Unlock()
		if pending {
			if s.requestIRD(i) {
				return // one IRD pipeline at a time, as in the original
			}
		}
	}
}

// OnSocketData is wired as iop.Handlers.OnSocketData: it delivers the
// payload to the bound receiver (unless the socket is flushing) and
// marks the socket pending again so PumpPending keeps the pipeline
// draining. Like OnRequestIRD, this runs under the IOP's internal lock
// and must not call back into it.
func (s *Sockets) OnSocketData(socketID int, ssl bool, remoteHost bool, data []byte) {
	s.mu.Lock()
	slot := s.slots[socketID]
	if socketID >= 0 && socketID < constants.MaxSockets {
		s.slots[socketID].dataPending = true
		s.slots[socketID].boundSSL = ssl
	}
	s.mu.Unlock()

	if slot.receiver != nil && !slot.flushing {
		slot.receiver(socketID, data)
	}
}

// OnSocketClosed is wired as iop.Handlers.OnSocketClosed: an empty IRD
// response means the modem's buffer is drained for this socket.
func (s *Sockets) OnSocketClosed(socketID int) {
	s.mu.Lock()
	if socketID >= 0 && socketID < constants.MaxSockets {
		s.slots[socketID].dataPending = false
		s.slots[socketID].flushing = false
	}
	s.irdOpen = false
	s.mu.Unlock()
	s.lock.Close()
}

// requestIRD issues the next AT+QIRD/AT+QSSLRECV for socketID. It fires
// for any socket a recv URC has bound, matching s_requestIrdData: that
// includes sockets opened through Open, but also a socket this Sockets
// table never opened itself, the same way the original arms its
// peerTypeMap straight from the URC rather than requiring a prior open.
// SSL is used only when the socket's own Open call (or a +QSSLURC
// binding) said so; every other case, including a protocol this table
// has no record of, defaults to plain QIRD. If the action lock is
// already open as this table's own IRD pipeline — the normal case for
// every chunk after the first in a multi-chunk receive, since the lock
// is deliberately left open across the whole pipeline — it writes
// straight onto it. If another command (a send, say) holds the lock,
// nothing is sent and false is returned; the socket stays pending for a
// later PumpPending pass. Otherwise it acquires the lock itself. Once
// issued, the lock stays (or becomes) open with a parser that never
// completes on its own: only the empty-IRD notification (via
// OnSocketClosed) releases it.
func (s *Sockets) requestIRD(socketID int) bool {
	s.mu.Lock()
	slot := s.slots[socketID]
	s.mu.Unlock()
	ssl := slot.protocol == ProtocolSSL || slot.boundSSL

	n := constants.IRDRequestSize
	if n > constants.DataBufferSize {
		n = constants.DataBufferSize
	}

	var cmd string
	if ssl {
		cmd = fmt.Sprintf("AT+QSSLRECV=%d,%d", socketID, n)
	} else {
		cmd = fmt.Sprintf("AT+QIRD=%d,%d", socketID, n)
	}

	if s.lock.IsOpen() {
		s.mu.Lock()
		ours := s.irdOpen
		s.mu.Unlock()
		if !ours {
			return false
		}
		return s.lock.SendRaw([]byte(cmd+"\r"), 0, pendingParser) == nil
	}
	ok := s.lock.TryInvokeAdv(cmd, 0, 0, pendingParser)
	s.mu.Lock()
	s.irdOpen = ok
	s.mu.Unlock()
	return ok
}
