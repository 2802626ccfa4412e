package modeminfo

import (
	"testing"

	"github.com/loouq/bgxcore/internal/action"
	"github.com/loouq/bgxcore/internal/bridge"
	"github.com/loouq/bgxcore/internal/faketransport"
	"github.com/loouq/bgxcore/internal/iop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type script struct {
	steps []func()
	idx   int
}

func (s *script) run() {
	if s.idx < len(s.steps) {
		s.steps[s.idx]()
		s.idx++
	}
}

func newTestModem(t *testing.T) (*Modem, *faketransport.Bridge, *script) {
	t.Helper()
	fake := faketransport.NewBridge()
	br := bridge.New(fake, nil)
	sc := &script{}

	lock := &action.Lock{}
	io := iop.New(iop.Config{
		Bridge:     br,
		IRQLineLow: fake.IRQLineLow,
		Handlers: iop.Handlers{
			OnCommandResponse: func(data []byte) { lock.OnCommandResponse(data) },
		},
	})
	*lock = *action.New(action.Config{IOP: io})

	yield := func() {
		sc.run()
		if fake.IRQLow {
			_ = io.ServiceInterrupt()
		}
		io.DoWork()
	}
	return New(Config{Lock: lock, Yield: yield}), fake, sc
}

func TestInfoQueriesAndCachesEveryField(t *testing.T) {
	m, fake, sc := newTestModem(t)
	sc.steps = []func(){
		func() { fake.FeedRx([]byte("\r\n865087041234567\r\n\r\nOK\r\n")) },
		func() { fake.FeedRx([]byte("\r\n+ICCID: 89014103211118510720\r\n\r\nOK\r\n")) },
		func() { fake.FeedRx([]byte("\r\nBG96MAR04A07M1G_01.016\r\n\r\nOK\r\n")) },
		func() { fake.FeedRx([]byte("\r\nQuectel_BG96\r\nRevision: BG96MAR04A07M1G\r\n\r\nOK\r\n")) },
	}

	info := m.Info()
	assert.Equal(t, "865087041234567", info.IMEI)
	assert.Equal(t, "89014103211118510720", info.ICCID)
	assert.Equal(t, "BG96MAR04A07M1G 01.016", info.FWVersion)
	assert.Equal(t, "Quectel_BG96", info.MfgModel)

	// second call must not re-issue any AT command
	fake.TakeTx()
	info2 := m.Info()
	assert.Equal(t, info, info2)
	assert.Empty(t, fake.TakeTx())
}

func TestRSSIMapsRawCodeToDBm(t *testing.T) {
	m, fake, sc := newTestModem(t)
	sc.steps = []func(){
		func() { fake.FeedRx([]byte("\r\n+CSQ: 16,99\r\n\r\nOK\r\n")) },
	}

	require.Equal(t, -81, m.RSSI())
	_ = fake
}

func TestRSSINoSignalReturnsZero(t *testing.T) {
	m, fake, sc := newTestModem(t)
	sc.steps = []func(){
		func() { fake.FeedRx([]byte("\r\n+CSQ: 99,99\r\n\r\nOK\r\n")) },
	}

	assert.Equal(t, 0, m.RSSI())
	_ = fake
}

func TestRSSIBarsScalesToRange(t *testing.T) {
	m, fake, sc := newTestModem(t)
	sc.steps = []func(){
		func() { fake.FeedRx([]byte("\r\n+CSQ: 31,99\r\n\r\nOK\r\n")) },
	}

	bars := m.RSSIBars(5)
	assert.Equal(t, 6, bars) // matches the original's integer-division formula exactly
	_ = fake
}
