package action

import (
	"testing"
	"time"

	"github.com/loouq/bgxcore/internal/bridge"
	"github.com/loouq/bgxcore/internal/faketransport"
	"github.com/loouq/bgxcore/internal/iop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLock(t *testing.T) (*Lock, *iop.IOP, *faketransport.Bridge, *faketransport.Clock) {
	t.Helper()
	fake := faketransport.NewBridge()
	clock := faketransport.NewClock()
	br := bridge.New(fake, nil)

	lock := &Lock{}
	io := iop.New(iop.Config{
		Bridge:     br,
		Clock:      clock,
		IRQLineLow: fake.IRQLineLow,
		Handlers: iop.Handlers{
			OnCommandResponse: func(data []byte) { lock.OnCommandResponse(data) },
		},
	})
	*lock = *New(Config{IOP: io, Clock: clock})
	return lock, io, fake, clock
}

// pump services one round of ISR + deferred parsing, simulating what a
// real AttachISR callback and a DoWork loop would do between polls.
func pump(io *iop.IOP, fake *faketransport.Bridge) {
	if fake.IRQLow {
		_ = io.ServiceInterrupt()
	}
	io.DoWork()
}

func TestTryInvokeSendsCommandAndAwaitsOK(t *testing.T) {
	lock, io, fake, _ := newTestLock(t)

	ok := lock.TryInvoke("AT+GSN")
	require.True(t, ok)
	assert.Equal(t, "AT+GSN\r", string(fake.TakeTx()))

	fake.FeedRx([]byte("\r\nOK\r\n"))

	result := lock.AwaitResult(true, func() { pump(io, fake) })
	assert.Equal(t, StatusSuccess, result.StatusCode)
	assert.False(t, lock.IsOpen())
}

func TestTryInvokeAdvUsesCustomParser(t *testing.T) {
	lock, io, fake, _ := newTestLock(t)

	ok := lock.TryInvokeAdv("AT+QICSGP=1", 3, 800*time.Millisecond, ServiceResponseParser("+QICSGP: ", 0))
	require.True(t, ok)

	fake.FeedRx([]byte("\r\n+QICSGP: 0\r\n\r\nOK\r\n"))
	result := lock.AwaitResult(true, func() { pump(io, fake) })

	assert.Equal(t, StatusSuccess, result.StatusCode)
}

func TestLockContentionRetriesThenFails(t *testing.T) {
	lock, _, fake, _ := newTestLock(t)

	require.True(t, lock.TryInvoke("AT+GSN"))
	fake.TakeTx()

	ok := lock.TryInvokeAdv("AT+ICCID", 2, 800*time.Millisecond, nil)
	assert.False(t, ok)
}

func TestLockReleasedAllowsNextInvoke(t *testing.T) {
	lock, io, fake, _ := newTestLock(t)

	require.True(t, lock.TryInvoke("AT+GSN"))
	fake.TakeTx()
	fake.FeedRx([]byte("\r\nOK\r\n"))
	_ = lock.AwaitResult(true, func() { pump(io, fake) })

	ok := lock.TryInvoke("AT+ICCID")
	assert.True(t, ok)
	assert.Equal(t, "AT+ICCID\r", string(fake.TakeTx()))
}

func TestGetResultTimesOut(t *testing.T) {
	lock, _, _, clock := newTestLock(t)

	require.True(t, lock.TryInvokeAdv("AT+QPING", 0, 500*time.Millisecond, nil))
	clock.Advance(600)

	result := lock.GetResult(true)
	assert.Equal(t, StatusTimeout, result.StatusCode)
	assert.False(t, lock.IsOpen())
}

func TestAwaitResultHonorsCancellation(t *testing.T) {
	fake := faketransport.NewBridge()
	clock := faketransport.NewClock()
	br := bridge.New(fake, nil)
	lock := &Lock{}
	io := iop.New(iop.Config{
		Bridge:     br,
		Clock:      clock,
		IRQLineLow: fake.IRQLineLow,
		Handlers: iop.Handlers{
			OnCommandResponse: func(data []byte) { lock.OnCommandResponse(data) },
		},
	})
	cancelled := false
	*lock = *New(Config{IOP: io, Clock: clock, CancelRequest: func() bool { return cancelled }})

	require.True(t, lock.TryInvoke("AT+QIOPEN"))
	cancelled = true

	result := lock.AwaitResult(true, func() { pump(io, fake) })
	assert.Equal(t, StatusCancelled, result.StatusCode)
}

func TestLastFailureRecordsTimeout(t *testing.T) {
	lock, _, _, clock := newTestLock(t)

	require.True(t, lock.TryInvokeAdv("AT+QPING", 0, 100*time.Millisecond, nil))
	clock.Advance(200)
	_ = lock.GetResult(true)

	entry, ok := lock.LastFailure()
	require.True(t, ok)
	assert.Equal(t, StatusTimeout, entry.StatusCode)
	assert.Equal(t, "AT+QPING", entry.Cmd)
}

func TestOKParserSucceedsOnTrailingOK(t *testing.T) {
	code, consumed := OKParser([]byte("\r\nOK\r\n"))
	assert.Equal(t, StatusSuccess, code)
	assert.Equal(t, len("\r\nOK\r\n"), consumed)
}

func TestOKParserPendingWithoutTerminator(t *testing.T) {
	code, _ := OKParser([]byte("\r\n"))
	assert.Equal(t, StatusPending, code)
}

func TestDefaultParserFallsThroughErrorForms(t *testing.T) {
	cases := []struct {
		name string
		resp string
		want StatusCode
	}{
		{"ok", "\r\nOK\r\n", StatusSuccess},
		{"error", "\r\nERROR\r\n", StatusError},
		{"fail", "\r\nFAIL\r\n", StatusError},
		{"cme", "\r\n+CME ERROR: 515\r\n", 515},
	}
	parser := DefaultParser("", false, 0, "")
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _ := parser([]byte(tc.resp))
			assert.Equal(t, tc.want, code)
		})
	}
}

func TestDefaultParserRequiresPreamble(t *testing.T) {
	parser := DefaultParser("+QIND: ", true, 0, "")
	code, _ := parser([]byte("\r\nOK\r\n"))
	assert.Equal(t, StatusPending, code)

	code, consumed := parser([]byte("\r\n+QIND: PB DONE\r\nOK\r\n"))
	assert.Equal(t, StatusSuccess, code)
	assert.Greater(t, consumed, 0)
}

func TestTokenParserCountsDelimitedFields(t *testing.T) {
	parser := TokenParser("+QGPSLOC: ", ',', 5, "\r\n")

	code, _ := parser([]byte("+QGPSLOC: 1,2,3\r\n"))
	assert.Equal(t, StatusNotFound, code)

	code, consumed := parser([]byte("+QGPSLOC: 1,2,3,4,5\r\n"))
	assert.Equal(t, StatusSuccess, code)
	assert.Greater(t, consumed, 0)
}

func TestTokenParserPendingWithoutTerminator(t *testing.T) {
	parser := TokenParser("+QGPSLOC: ", ',', 2, "\r\n")
	code, _ := parser([]byte("+QGPSLOC: 1,2"))
	assert.Equal(t, StatusPending, code)
}

func TestServiceResponseParserRemapsCustomRange(t *testing.T) {
	parser := ServiceResponseParser("+QIOPEN: ", 1)

	code, _ := parser([]byte("+QIOPEN: 0,0\r\n"))
	assert.Equal(t, StatusSuccess, code)

	code, _ = parser([]byte("+QIOPEN: 0,1\r\n"))
	assert.Equal(t, StatusCode(1)+customBase, code)

	code, _ = parser([]byte("+QIOPEN: 0,563\r\n"))
	assert.Equal(t, StatusCode(563), code)
}

func TestServiceResponseParserPendingWithoutPreamble(t *testing.T) {
	parser := ServiceResponseParser("+QIOPEN: ", 1)
	code, _ := parser([]byte("\r\nOK\r\n"))
	assert.Equal(t, StatusPending, code)
}
