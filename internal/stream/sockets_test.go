package stream

import (
	"testing"

	"github.com/loouq/bgxcore/internal/action"
	"github.com/loouq/bgxcore/internal/bridge"
	"github.com/loouq/bgxcore/internal/faketransport"
	"github.com/loouq/bgxcore/internal/iop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// yieldScript lets a test script what the simulated modem does on each
// successive yield a blocking Sockets call makes while awaiting a
// result, without needing a second goroutine.
type yieldScript struct {
	steps []func()
	idx   int
}

func (y *yieldScript) run() {
	if y.idx < len(y.steps) {
		y.steps[y.idx]()
		y.idx++
	}
}

func newTestSockets(t *testing.T) (*Sockets, *faketransport.Bridge, *yieldScript, *iop.IOP) {
	t.Helper()
	fake := faketransport.NewBridge()
	br := bridge.New(fake, nil)
	script := &yieldScript{}

	lock := &action.Lock{}
	var sockets *Sockets

	io := iop.New(iop.Config{
		Bridge:     br,
		IRQLineLow: fake.IRQLineLow,
		Handlers: iop.Handlers{
			OnCommandResponse: func(data []byte) { lock.OnCommandResponse(data) },
			OnSocketData: func(socketID int, ssl, remoteHost bool, data []byte) {
				sockets.OnSocketData(socketID, ssl, remoteHost, data)
			},
			OnSocketClosed: func(socketID int) { sockets.OnSocketClosed(socketID) },
			RequestIRD:     func(socketID int, ssl bool) { sockets.OnRequestIRD(socketID, ssl) },
		},
	})
	*lock = *action.New(action.Config{IOP: io})

	yield := func() {
		script.run()
		if fake.IRQLow {
			_ = io.ServiceInterrupt()
		}
		io.DoWork()
	}
	sockets = NewSockets(Config{Lock: lock, DataContext: 1, Yield: yield})
	return sockets, fake, script, io
}

func pump(io *iop.IOP, fake *faketransport.Bridge) {
	if fake.IRQLow {
		_ = io.ServiceInterrupt()
	}
	io.DoWork()
}

func TestOpenSucceedsOnZeroResult(t *testing.T) {
	s, fake, script, _ := newTestSockets(t)
	script.steps = []func(){
		func() { fake.FeedRx([]byte("\r\n+QIOPEN: 0,0\r\n")) },
	}

	code := s.Open(0, ProtocolTCP, "example.com", 80, 0, false, func(int, []byte) {})
	assert.Equal(t, action.StatusSuccess, code)
	assert.Equal(t, "AT+QIOPEN=1,0,\"TCP\",\"example.com\",80,0,0\r", string(fake.TakeTx()))
}

func TestOpenTreatsPrevOpenAsSuccessAndRequestsIRD(t *testing.T) {
	s, fake, script, _ := newTestSockets(t)
	script.steps = []func(){
		func() { fake.FeedRx([]byte("\r\n+QIOPEN: 1,563\r\n")) },
	}

	code := s.Open(1, ProtocolTCP, "example.com", 80, 0, true, func(int, []byte) {})
	assert.Equal(t, statusSocketPrevOpen, code)

	// Open writes the AT+QIRD right behind its own QIOPEN command.
	assert.Equal(t, "AT+QIOPEN=1,1,\"TCP\",\"example.com\",80,0,0\rAT+QIRD=1,1500\r", string(fake.TakeTx()))
}

func TestSendAwaitsPromptThenSendOK(t *testing.T) {
	s, fake, script, _ := newTestSockets(t)
	script.steps = []func(){
		func() { fake.FeedRx([]byte("\r\n+QIOPEN: 2,0\r\n")) },
	}
	code := s.Open(2, ProtocolTCP, "h", 1, 0, false, func(int, []byte) {})
	require.Equal(t, action.StatusSuccess, code)
	fake.TakeTx()

	script.idx = 0
	script.steps = []func(){
		func() { fake.FeedRx([]byte("\r\n> ")) },
		func() { fake.FeedRx([]byte("\r\nSEND OK\r\n")) },
	}

	code = s.Send(2, []byte("hi"))
	assert.Equal(t, action.StatusSuccess, code)

	tx := string(fake.TakeTx())
	assert.Contains(t, tx, "AT+QISEND=2,2")
}

func TestRequestIRDClosesOnEmptyResponse(t *testing.T) {
	s, fake, script, io := newTestSockets(t)
	script.steps = []func(){
		func() { fake.FeedRx([]byte("\r\n+QIOPEN: 3,0\r\n")) },
	}
	require.Equal(t, action.StatusSuccess, s.Open(3, ProtocolTCP, "h", 1, 0, false, func(int, []byte) {}))
	fake.TakeTx()

	// A "recv" URC binds rdsSocket and fires RequestIRD, which only marks
	// the socket pending (issuing AT+QIRD from inside DoWork would
	// re-enter the IOP to transmit and deadlock). PumpPending, called
	// from outside the IOP callback, is what actually sends it.
	fake.FeedRx([]byte("\r\n+QIURC: \"recv\",3\r\n"))
	pump(io, fake)
	s.PumpPending()
	assert.Equal(t, "AT+QIRD=3,1500\r", string(fake.TakeTx()))
	assert.True(t, s.lock.IsOpen())

	fake.FeedRx([]byte("\r\n+QIRD: 0\r\n"))
	pump(io, fake)

	s.mu.Lock()
	pending := s.slots[3].dataPending
	s.mu.Unlock()
	assert.False(t, pending)
	assert.False(t, s.lock.IsOpen())
}

func TestOnSocketDataDeliversThenPumpContinuesPipeline(t *testing.T) {
	s, fake, script, io := newTestSockets(t)
	script.steps = []func(){
		func() { fake.FeedRx([]byte("\r\n+QIOPEN: 5,0\r\n")) },
	}
	var got []byte
	require.Equal(t, action.StatusSuccess, s.Open(5, ProtocolTCP, "h", 1, 0, false, func(id int, data []byte) {
		got = append([]byte(nil), data...)
	}))
	fake.TakeTx()

	fake.FeedRx([]byte("\r\n+QIURC: \"recv\",5\r\n"))
	pump(io, fake)
	s.PumpPending()
	fake.TakeTx() // drain the AT+QIRD this opened

	fake.FeedRx([]byte("\r\n+QIRD: 4\r\nDATA\r\n\r\nOK\r\n"))
	pump(io, fake)
	assert.Equal(t, "DATA", string(got))

	s.PumpPending()
	assert.Equal(t, "AT+QIRD=5,1500\r", string(fake.TakeTx()))
}

func TestCloseAllOnlyTouchesMatchingContext(t *testing.T) {
	s, fake, script, _ := newTestSockets(t)
	script.steps = []func(){
		func() { fake.FeedRx([]byte("\r\n+QIOPEN: 4,0\r\n")) },
	}
	require.Equal(t, action.StatusSuccess, s.Open(4, ProtocolTCP, "h", 1, 0, false, func(int, []byte) {}))

	s.CloseAll(99)
	s.mu.Lock()
	open := s.slots[4].protocol != ProtocolNone
	s.mu.Unlock()
	assert.True(t, open)
}
