// Package action implements the single-outstanding-command lock that
// serializes every AT command sent to the BGx module, plus the family of
// completion parsers that recognize when a command's response is done.
package action

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/loouq/bgxcore/internal/constants"
	"github.com/loouq/bgxcore/internal/interfaces"
	"github.com/loouq/bgxcore/internal/iop"
)

// StatusCode is the HTTP-shaped result code returned by a command parser
// and surfaced to callers. BGx-native error codes (CME/CMS, 500-999) pass
// through verbatim.
type StatusCode uint16

// StatusPending is returned by a parser that has not yet seen enough of
// the response to make a call; it is never a final result.
const StatusPending StatusCode = 0xFFFF

// HTTP-shaped status codes, matching the original driver's RESULT_CODE_*
// constants so BGx CME/CMS error codes (which start at 500) never collide.
const (
	StatusSuccess            StatusCode = 200
	StatusBadRequest         StatusCode = 400
	StatusForbidden          StatusCode = 403
	StatusNotFound           StatusCode = 404
	StatusTimeout            StatusCode = 408
	StatusConflict           StatusCode = 409
	StatusGone               StatusCode = 410
	StatusPreconditionFailed StatusCode = 412
	StatusCancelled          StatusCode = 499
	StatusError              StatusCode = 500
	StatusUnavailable        StatusCode = 503
	StatusGatewayTimeout     StatusCode = 504

	// customBase remaps a service-response 1-99 result value into
	// 901-999, the codes internal/stream's MQTT status mappings switch on.
	// It can't be confused with an HTTP-shaped code; it does share its
	// range with BGx-native CME codes, which only the command that
	// produced the code tells apart.
	customBase StatusCode = 900
)

// IsSuccess reports whether code falls in the 2xx success range.
func IsSuccess(code StatusCode) bool {
	return code >= 200 && code <= 299
}

// Parser inspects the bytes accumulated for the open command so far and
// reports whether a result is final. consumed is only meaningful when the
// returned code is not StatusPending: it is the number of leading bytes of
// response the match consumed, so any trailing bytes can be handed back to
// the caller for reclassification (mirrors the original driver re-running
// its deferred URC parser over bytes left in the command buffer after a
// result is found).
type Parser func(response []byte) (code StatusCode, consumed int)

// OKParser succeeds on a bare trailing "OK\r\n", falling back through the
// standard BGx error forms. It is the default parser action_tryInvoke uses
// when the caller has no custom completion condition.
func OKParser(response []byte) (StatusCode, int) {
	return DefaultParser("", false, 0, "")(response)
}

// DefaultParser builds a parser that looks for preamble (if non-empty),
// then for terminator (or, if terminator is empty, the standard BGx
// completion sequence OK / +CME ERROR: / ERROR / FAIL) at least minGap
// bytes after the preamble. preambleRequired controls whether a missing
// preamble is itself disqualifying or simply means "search from the
// start of response".
//
// This fixes a dead-code bug in the original's OK/CME/ERROR/FAIL
// fallback: there, the CME/ERROR/FAIL branches were unreachable
// else-if arms of the same chain as the OK check, so only OK or CME
// was ever actually detected. Here each form is tried in turn.
func DefaultParser(preamble string, preambleRequired bool, minGap int, terminator string) Parser {
	return func(response []byte) (StatusCode, int) {
		preambleAt := -1
		if preamble != "" {
			preambleAt = bytes.Index(response, []byte(preamble))
			if preambleRequired && preambleAt < 0 {
				return StatusPending, 0
			}
		}

		searchFrom := 0
		if preambleAt >= 0 {
			searchFrom = preambleAt + len(preamble)
		}
		tail := response[searchFrom:]

		if terminator != "" {
			idx := bytes.Index(tail, []byte(terminator))
			if idx < 0 {
				return StatusPending, 0
			}
			consumed := searchFrom + idx + len(terminator)
			if idx >= minGap {
				return StatusSuccess, consumed
			}
			return StatusError, consumed
		}

		if idx := bytes.Index(tail, []byte("OK\r\n")); idx >= 0 {
			consumed := searchFrom + idx + len("OK\r\n")
			if idx >= minGap {
				return StatusSuccess, consumed
			}
			return StatusError, consumed
		}
		if idx := bytes.Index(tail, []byte("+CME ERROR:")); idx >= 0 {
			rest := tail[idx+len("+CME ERROR:"):]
			val, n := parseInt(rest)
			return StatusCode(val), searchFrom + idx + len("+CME ERROR:") + n
		}
		if idx := bytes.Index(tail, []byte("ERROR\r\n")); idx >= 0 {
			return StatusError, searchFrom + idx + len("ERROR\r\n")
		}
		if idx := bytes.Index(tail, []byte("FAIL\r\n")); idx >= 0 {
			return StatusError, searchFrom + idx + len("FAIL\r\n")
		}
		return StatusPending, 0
	}
}

// TokenParser builds a parser that succeeds once terminator appears and
// the response between preamble and terminator contains at least
// minTokens delim-separated tokens. A terminator match with too few
// tokens, or no preamble at all, is a definitive NotFound rather than
// Pending: the response is complete, it just isn't the shape expected.
func TokenParser(preamble string, delim byte, minTokens int, terminator string) Parser {
	return func(response []byte) (StatusCode, int) {
		termAt := bytes.Index(response, []byte(terminator))
		if termAt < 0 {
			if cmeAt := bytes.Index(response, []byte("+CME ERROR:")); cmeAt >= 0 {
				val, n := parseInt(response[cmeAt+len("+CME ERROR:"):])
				return StatusCode(val), cmeAt + len("+CME ERROR:") + n
			}
			return StatusPending, 0
		}
		consumed := termAt + len(terminator)

		preambleAt := bytes.Index(response, []byte(preamble))
		if preambleAt < 0 {
			return StatusNotFound, consumed
		}

		tokens := 1
		next := preambleAt + len(preamble)
		for next < termAt {
			idx := bytes.IndexByte(response[next:], delim)
			if idx < 0 || next+idx >= termAt {
				break
			}
			next += idx + 1
			tokens++
		}

		if tokens >= minTokens {
			return StatusSuccess, consumed
		}
		return StatusNotFound, consumed
	}
}

// ServiceResponseParser builds a parser shared by the socket-open and
// MQTT-open/connect/subscribe/publish commands: it finds preamble, skips
// resultIndex commas, and reads the trailing integer as the result. A
// value of 0 maps to success; 1-99 is a BGx "custom" code remapped above
// customBase so it can't be mistaken for an HTTP-shaped code; 100+
// passes through unchanged (BGx's own CME-style range).
func ServiceResponseParser(preamble string, resultIndex int) Parser {
	return func(response []byte) (StatusCode, int) {
		at := bytes.Index(response, []byte(preamble))
		if at < 0 {
			return StatusPending, 0
		}
		next := at + len(preamble)
		for i := 0; i < resultIndex; i++ {
			idx := bytes.IndexByte(response[next:], ',')
			if idx < 0 {
				return StatusPending, 0
			}
			next += idx + 1
		}

		val, n := parseInt(response[next:])
		consumed := next + n
		switch {
		case n == 0:
			return StatusPending, 0
		case val == 0:
			return StatusSuccess, consumed
		case val < 100:
			return StatusCode(val) + customBase, consumed
		default:
			return StatusCode(val), consumed
		}
	}
}

// parseInt mimics strtol's handling of leading whitespace before the
// digits (the CME/CMS error forms put a space after the colon).
func parseInt(b []byte) (int, int) {
	skip := 0
	for skip < len(b) && b[skip] == ' ' {
		skip++
	}
	i := skip
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	if i == skip {
		return 0, 0
	}
	n, _ := strconv.Atoi(string(b[skip:i]))
	return n, i
}

// HistoryEntry records the most recent command that completed with a
// non-success result (including a timeout), for diagnostics.
type HistoryEntry struct {
	Cmd        string
	Response   string
	StatusCode StatusCode
	Duration   time.Duration
}

// Lock serializes access to the BGx command interface: only one AT
// command may be outstanding at a time, matching the module's own
// single-command-at-a-time firmware behavior.
type Lock struct {
	mu sync.Mutex

	io    *iop.IOP
	clock interfaces.Clock
	log   interfaces.Logger
	obs   interfaces.Observer

	isOpen        bool
	cmd           string
	invokedAt     time.Duration
	timeout       time.Duration
	parser        Parser
	resp          []byte
	cancelled     bool
	cancelRequest func() bool

	history HistoryEntry
}

// Config bundles Lock's downward dependencies.
type Config struct {
	IOP           *iop.IOP
	Clock         interfaces.Clock
	Logger        interfaces.Logger
	Observer      interfaces.Observer
	CancelRequest func() bool // optional; polled by AwaitResult to honor out-of-band cancellation
}

// New builds a Lock bound to io. It does not register itself with io:
// the caller wires Lock.OnCommandResponse in as io's OnCommandResponse
// handler, and only one Lock should ever be wired per IOP.
func New(cfg Config) *Lock {
	l := &Lock{
		io:            cfg.IOP,
		clock:         cfg.Clock,
		log:           cfg.Logger,
		obs:           cfg.Observer,
		cancelRequest: cfg.CancelRequest,
	}
	return l
}

// OnCommandResponse is the iop.Handlers callback: wire it in as
// Handlers.OnCommandResponse when constructing the IOP this Lock serves.
func (l *Lock) OnCommandResponse(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.isOpen {
		return
	}
	l.resp = append(l.resp, data...)
}

// TryInvoke sends cmdStr with default retry/timeout/parser settings,
// matching the original driver's action_tryInvoke.
func (l *Lock) TryInvoke(cmdStr string) bool {
	return l.TryInvokeAdv(cmdStr, constants.ActionRetriesDefault, constants.ActionTimeoutDefault, nil)
}

// TryInvokeAdv attempts to acquire the command lock, retrying retries
// times at ActionRetryInterval spacing, then writes cmdStr plus a
// trailing CR to the TX ring and kicks it onto the wire. taskParser may
// be nil to use OKParser. Returns false if the lock could not be
// acquired within the retry budget.
func (l *Lock) TryInvokeAdv(cmdStr string, retries int, timeout time.Duration, taskParser Parser) bool {
	if !l.acquireLock(cmdStr, retries) {
		return false
	}

	l.mu.Lock()
	l.timeout = timeout
	l.invokedAt = l.nowLocked()
	if taskParser == nil {
		taskParser = OKParser
	}
	l.parser = taskParser
	l.mu.Unlock()

	if l.obs != nil {
		l.obs.ObserveActionInvoked(cmdStr)
	}

	l.io.TxEnqueue([]byte(cmdStr))
	l.io.TxEnqueue([]byte("\r"))
	return l.io.TxKick() == nil
}

func (l *Lock) acquireLock(cmdStr string, retries int) bool {
	l.mu.Lock()
	if !l.isOpen {
		l.initLocked(cmdStr)
		l.mu.Unlock()
		return true
	}
	l.mu.Unlock()

	if retries <= 0 {
		return false
	}
	for remaining := retries; remaining > 0; remaining-- {
		if l.clock != nil {
			l.clock.DelayMillis(uint32(constants.ActionRetryInterval.Milliseconds()))
		}
		l.mu.Lock()
		if !l.isOpen {
			l.initLocked(cmdStr)
			l.mu.Unlock()
			return true
		}
		l.mu.Unlock()
	}
	return false
}

func (l *Lock) initLocked(cmdStr string) {
	l.isOpen = true
	l.cmd = cmdStr
	l.resp = l.resp[:0]
	l.cancelled = false
	l.parser = nil
	l.timeout = 0
	l.invokedAt = 0
}

func (l *Lock) nowLocked() time.Duration {
	if l.clock == nil {
		return 0
	}
	return time.Duration(l.clock.NowMillis()) * time.Millisecond
}

// Result is the outcome of an action, mirroring the original driver's
// actionResult_t.
type Result struct {
	StatusCode StatusCode
	Response   []byte
}

// GetResult polls once: it runs the active parser over whatever response
// bytes have arrived so far, without blocking. If closeAction is true, a
// final (non-pending) result also releases the lock.
func (l *Lock) GetResult(closeAction bool) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := Result{StatusCode: StatusPending}

	if len(l.resp) > 0 && l.parser != nil {
		code, consumed := l.parser(l.resp)
		if code != StatusPending {
			result.StatusCode = code
			result.Response = append([]byte(nil), l.resp[:consumed]...)
			l.resp = l.resp[consumed:]

			if closeAction {
				l.isOpen = false
			}
			if !IsSuccess(code) {
				l.recordHistoryLocked(code)
			}
			if l.obs != nil {
				l.obs.ObserveActionResult(int(code), uint64((l.nowLocked() - l.invokedAt).Nanoseconds()))
			}
			return result
		}
	}

	if l.isOpen && l.timeout > 0 && l.nowLocked()-l.invokedAt >= l.timeout {
		l.isOpen = false
		result.StatusCode = StatusTimeout
		l.recordHistoryLocked(StatusTimeout)
		if l.obs != nil {
			l.obs.ObserveActionResult(int(StatusTimeout), uint64(l.timeout.Nanoseconds()))
		}
	}

	return result
}

// AwaitResult blocks, yielding to DoWork between polls, until GetResult
// returns a final status or an out-of-band cancellation request fires.
// yield is called once per poll iteration and should service the IOP's
// deferred parser (DoWork) and foreground ISR pump so a response
// actually has a chance to arrive between polls.
func (l *Lock) AwaitResult(closeAction bool, yield func()) Result {
	for {
		result := l.GetResult(closeAction)

		if l.cancelRequest != nil && l.cancelRequest() {
			l.mu.Lock()
			l.isOpen = false
			l.mu.Unlock()
			return Result{StatusCode: StatusCancelled}
		}
		if result.StatusCode != StatusPending {
			return result
		}
		if yield != nil {
			yield()
		}
	}
}

// Close releases the lock unconditionally, matching action_close. Use
// with caution: any in-flight response bytes are discarded.
func (l *Lock) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isOpen = false
}

// IsOpen reports whether a command is currently bound to the lock.
func (l *Lock) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isOpen
}

func (l *Lock) recordHistoryLocked(code StatusCode) {
	resp := l.resp
	if len(resp) > constants.ActionHistoryResponseCap {
		resp = resp[:constants.ActionHistoryResponseCap]
	}
	l.history = HistoryEntry{
		Cmd:        l.cmd,
		Response:   string(resp),
		StatusCode: code,
		Duration:   l.nowLocked() - l.invokedAt,
	}
	if l.log != nil && code != StatusSuccess {
		l.log.Debugf("action: %q completed status=%d", l.cmd, code)
	}
}

// LastFailure returns the most recently recorded non-success completion,
// and whether any has been recorded yet.
func (l *Lock) LastFailure() (HistoryEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.history.Cmd == "" {
		return HistoryEntry{}, false
	}
	return l.history, true
}

// SendRaw performs the data sub-action of a multi-step command (used by
// socket/MQTT send): it queues data, optionally switching the active
// parser first, without re-acquiring the lock. The lock must already be
// open. Returns an error if nothing could be queued.
func (l *Lock) SendRaw(data []byte, timeout time.Duration, taskParser Parser) error {
	l.mu.Lock()
	if !l.isOpen {
		l.mu.Unlock()
		return fmt.Errorf("action: SendRaw called with no open action")
	}
	if timeout > 0 {
		l.timeout = timeout
	}
	if taskParser != nil {
		l.parser = taskParser
	}
	l.mu.Unlock()

	n := l.io.TxEnqueue(data)
	if n != len(data) {
		return fmt.Errorf("action: tx ring accepted %d of %d bytes", n, len(data))
	}
	return l.io.TxKick()
}

// SendRawWithEOT is SendRaw followed by an explicit end-of-transmission
// phrase (e.g. MQTT's trailing Ctrl-Z), matching action_sendRawWithEOTs.
func (l *Lock) SendRawWithEOT(data []byte, eotPhrase []byte, timeout time.Duration, taskParser Parser) error {
	if err := l.SendRaw(data, timeout, taskParser); err != nil {
		return err
	}
	n := l.io.TxEnqueue(eotPhrase)
	if n != len(eotPhrase) {
		return fmt.Errorf("action: tx ring accepted %d of %d eot bytes", n, len(eotPhrase))
	}
	return l.io.TxKick()
}
