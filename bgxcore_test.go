package bgxcore

import (
	"testing"
	"time"

	"github.com/loouq/bgxcore/internal/action"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// yieldScript lets a test dictate what the simulated modem does on each
// successive cooperative yield a blocking call makes while awaiting a
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

func newTestHarness(t *testing.T) *TestHarness {
	t.Helper()
	h, err := NewTestHarness(PinConfig{IRQPin: 1}, nil)
	require.NoError(t, err)
	return h
}

func TestATEchoCompletesWithOKAndCloses(t *testing.T) {
	h := newTestHarness(t)
	script := &yieldScript{steps: []func(){
		func() { h.Bridge.FeedRx([]byte("\r\nOK\r\n")) },
	}}
	h.Modem.SetYieldCB(script.run)

	require.True(t, h.Modem.ActionTryInvoke("AT"))
	result := h.Modem.ActionAwaitResult(true)

	assert.Equal(t, StatusSuccess, result.StatusCode)
	assert.Contains(t, string(result.Response), "OK\r\n")
	assert.Equal(t, "AT\r", string(h.Bridge.TakeTx()))
	assert.False(t, h.Modem.lock.IsOpen())
}

func TestICCIDQueryAcrossTwoChunks(t *testing.T) {
	h := newTestHarness(t)
	full := []byte("\r\n+ICCID: 89012345678901234567\r\n\r\nOK\r\n")
	script := &yieldScript{steps: []func(){
		func() { h.Bridge.FeedRx(full[:20]) },
		func() { h.Bridge.FeedRx(full[20:]) },
	}}
	h.Modem.SetYieldCB(script.run)

	parser := action.DefaultParser("+ICCID: ", true, 20, "OK\r\n")
	require.True(t, h.Modem.ActionTryInvokeAdv("AT+ICCID", 3, time.Second, parser))
	result := h.Modem.ActionAwaitResult(true)

	require.Equal(t, StatusSuccess, result.StatusCode)
	assert.Contains(t, string(result.Response), "89012345678901234567")
}

func TestSocketOpenPreviouslyOpenDrainsWithoutCallback(t *testing.T) {
	h := newTestHarness(t)
	script := &yieldScript{steps: []func(){
		func() { h.Bridge.FeedRx([]byte("\r\n+QIOPEN: 0,563\r\n")) },
	}}
	h.Modem.SetYieldCB(script.run)

	var delivered bool
	code := h.Modem.SocketsOpen(0, ProtocolTCP, "1.2.3.4", 4242, 0, true, func(int, []byte) {
		delivered = true
	})
	assert.EqualValues(t, 563, code)

	// Drain the QIOPEN and the AT+QIRD that Open auto-issued right
	// behind it for the previously-open socket; the 200-byte payload
	// must be silently absorbed by the flushing pipeline, never reaching
	// the receiver.
	h.Bridge.TakeTx() // QIOPEN + QIRD
	h.Bridge.TakeTx() // nothing further

	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = 'x'
	}
	script.idx = 0
	script.steps = []func(){
		func() {
			h.Bridge.FeedRx([]byte("\r\n+QIRD: 200\r\n"))
			h.Bridge.FeedRx(payload)
			h.Bridge.FeedRx([]byte("\r\n\r\nOK\r\n"))
		},
	}
	for i := 0; i < 5; i++ {
		h.Yield()
	}

	assert.False(t, delivered)
}

func TestMQTTSubscribeAndPublishEcho(t *testing.T) {
	h := newTestHarness(t)
	script := &yieldScript{steps: []func(){
		func() { h.Bridge.FeedRx([]byte("\r\n+QMTSUB: 5,1,0,1\r\n")) },
	}}
	h.Modem.SetYieldCB(script.run)

	var gotTopic, gotProps string
	var gotPayload []byte
	code := h.Modem.MQTTSubscribe("dev/42/cmd/#", 1, func(topic, properties string, payload []byte) {
		gotTopic = topic
		gotProps = properties
		gotPayload = payload
	})
	require.Equal(t, StatusSuccess, code)
	h.Bridge.TakeTx()

	script.idx = 0
	script.steps = nil
	h.Bridge.FeedRx([]byte("\r\n+QMTRECV: 5,0,\"dev/42/cmd/ping\",\"hello\"\r\n"))
	h.Yield()

	assert.Equal(t, "dev/42/cmd/ping", gotTopic)
	assert.Equal(t, "ping", gotProps)
	assert.Equal(t, "hello", string(gotPayload))
}

func TestActionTimesOutAndClosesTheLock(t *testing.T) {
	h := newTestHarness(t)
	h.Modem.SetYieldCB(func() { h.Clock.Advance(20) })

	require.True(t, h.Modem.ActionTryInvokeAdv("AT+QIACT=1", 0, 100*time.Millisecond, nil))
	result := h.Modem.ActionAwaitResult(true)

	assert.Equal(t, StatusTimeout, result.StatusCode)
	assert.False(t, h.Modem.lock.IsOpen())
	_, hadFailure := h.Modem.lock.LastFailure()
	assert.True(t, hadFailure)
}

func TestConcurrentSendDefersURCUntilActionCloses(t *testing.T) {
	h := newTestHarness(t)

	script := &yieldScript{steps: []func(){
		func() { h.Bridge.FeedRx([]byte("\r\n+QIOPEN: 0,0\r\n")) },
	}}
	h.Modem.SetYieldCB(script.run)
	require.Equal(t, StatusSuccess, h.Modem.SocketsOpen(0, ProtocolTCP, "h", 1, 0, false, func(int, []byte) {}))
	h.Bridge.TakeTx()

	script.idx = 0
	script.steps = []func(){
		func() {
			// A URC for socket 2 arrives while the send is still locked;
			// it must not trigger an IRD until the send's action closes.
			h.Bridge.FeedRx([]byte("\r\n+QIURC: \"recv\",2\r\n"))
		},
		func() { h.Bridge.FeedRx([]byte("\r\n> ")) },
		func() { h.Bridge.FeedRx([]byte("\r\nSEND OK\r\n")) },
	}

	code := h.Modem.SocketsSend(0, []byte("hi"))
	assert.Equal(t, StatusSuccess, code)

	tx := string(h.Bridge.TakeTx())
	assert.NotContains(t, tx, "AT+QIRD=2,")

	// The next yield after the send's action has closed drives the
	// deferred IRD for socket 2.
	h.Modem.SetYieldCB(nil)
	h.Yield()
	assert.Contains(t, string(h.Bridge.TakeTx()), "AT+QIRD=2,")
}
