// Package modeminfo reads the BGx's static identification and signal
// quality fields (IMEI, ICCID, firmware/model strings, RSSI), caching
// everything but the signal reading since it never changes once the
// SIM and firmware are provisioned.
package modeminfo

import (
	"strconv"
	"strings"
	"sync"

	"github.com/loouq/bgxcore/internal/action"
)

// Info is the static device identification snapshot, matching
// mdminfo_ltem1's modemInfo_t.
type Info struct {
	IMEI      string
	ICCID     string
	FWVersion string
	MfgModel  string
}

// Modem reads and caches modem identification over the action lock.
type Modem struct {
	mu    sync.Mutex
	lock  *action.Lock
	yield func()

	info Info
}

// Config bundles Modem's downward dependencies.
type Config struct {
	Lock *action.Lock
	// Yield is invoked between polls of the action lock while awaiting a
	// response, matching action_awaitResult's lYield(). Typically drives
	// the IOP's ISR-service and DoWork pass.
	Yield func()
}

// New builds a Modem bound to cfg.Lock.
func New(cfg Config) *Modem {
	return &Modem{lock: cfg.Lock, yield: cfg.Yield}
}

func (m *Modem) invoke(cmd string, parser action.Parser) (string, bool) {
	if parser == nil {
		if !m.lock.TryInvoke(cmd) {
			return "", false
		}
	} else if !m.lock.TryInvokeAdv(cmd, 3, 0, parser) {
		return "", false
	}
	result := m.lock.AwaitResult(true, m.yield)
	if result.StatusCode != action.StatusSuccess {
		return "", false
	}
	return string(result.Response), true
}

// stripLeadingCRLF trims one leading "\r\n" pair, matching the offset
// the original skips past (ASCII_szCRLF) before reading a response body.
func stripLeadingCRLF(s string) string {
	return strings.TrimPrefix(s, "\r\n")
}

// Info returns the cached device identification, querying the modem for
// any field not yet populated, matching mdminfo_ltem1.
func (m *Modem) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.info.IMEI == "" {
		if resp, ok := m.invoke("AT+GSN", nil); ok {
			body := stripLeadingCRLF(resp)
			if end := strings.Index(body, "\r\n"); end >= 0 {
				m.info.IMEI = body[:end]
			}
		}
	}

	if m.info.ICCID == "" {
		parser := action.DefaultParser("+ICCID: ", true, 20, "OK\r\n")
		if resp, ok := m.invoke("AT+ICCID", parser); ok {
			if at := strings.Index(resp, "+ICCID: "); at >= 0 {
				body := resp[at+len("+ICCID: "):]
				if end := strings.IndexAny(body, "\r\n"); end >= 0 {
					body = body[:end]
				}
				m.info.ICCID = body
			}
		}
	}

	if m.info.FWVersion == "" {
		if resp, ok := m.invoke("AT+QGMR", nil); ok {
			body := stripLeadingCRLF(resp)
			if end := strings.Index(body, "\r\n"); end >= 0 {
				body = body[:end]
			}
			m.info.FWVersion = strings.Replace(body, "_", " ", 1)
		}
	}

	if m.info.MfgModel == "" {
		if resp, ok := m.invoke("ATI", nil); ok {
			body := stripLeadingCRLF(resp)
			if at := strings.Index(body, "\r\nRev"); at >= 0 {
				body = body[:at]
			}
			body = strings.Replace(body, "\r", ":", 1)
			body = strings.Replace(body, "\n", " ", 1)
			m.info.MfgModel = body
		}
	}

	return m.info
}

// RSSI returns the current radio signal strength in dBm, in the range
// -113 to -51, or 0 when the modem reports no signal (raw 99), matching
// mdminfo_rssi.
func (m *Modem) RSSI() int {
	resp, ok := m.invoke("AT+CSQ", nil)
	if !ok {
		return 0
	}
	at := strings.Index(resp, "+CSQ")
	if at < 0 {
		return 0
	}
	rest := resp[at+len("+CSQ"):]
	rest = strings.TrimPrefix(rest, ":")
	end := strings.IndexByte(rest, ',')
	if end < 0 {
		return 0
	}
	csq, err := strconv.Atoi(strings.TrimSpace(rest[:end]))
	if err != nil {
		return 0
	}
	if csq == 99 {
		return 0
	}
	return -113 + 2*csq
}

// RSSIBars maps the current RSSI onto a bar count, matching
// mdminfo_rssiBars' integer formula: readings from -113 to -51 dBm give
// 1 to numberOfBars+1, and a no-signal reading (RSSI 0) gives more.
func (m *Modem) RSSIBars(numberOfBars int) int {
	if numberOfBars <= 0 {
		return 0
	}
	barSpan := (113 - 51) / numberOfBars
	if barSpan == 0 {
		barSpan = 1
	}
	rssi := m.RSSI()
	return (rssi + 113 + barSpan) / barSpan
}
