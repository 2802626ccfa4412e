package bgxcore

import (
	"context"
	"time"

	"github.com/loouq/bgxcore/internal/action"
	"github.com/loouq/bgxcore/internal/bridge"
	"github.com/loouq/bgxcore/internal/constants"
	"github.com/loouq/bgxcore/internal/interfaces"
	"github.com/loouq/bgxcore/internal/iop"
	"github.com/loouq/bgxcore/internal/modeminfo"
	"github.com/loouq/bgxcore/internal/stream"
)

// Public aliases of the downward hardware contracts, so a caller
// supplying a custom GPIO/SPI/Clock backend never needs to import
// internal/interfaces directly.
type (
	GPIO       = interfaces.GPIO
	SPI        = interfaces.SPI
	Clock      = interfaces.Clock
	Logger     = interfaces.Logger
	PinMode    = interfaces.PinMode
	PinValue   = interfaces.PinValue
	IRQTrigger = interfaces.IRQTrigger
)

const (
	PinModeInput         = interfaces.PinModeInput
	PinModeInputPullup   = interfaces.PinModeInputPullup
	PinModeInputPulldown = interfaces.PinModeInputPulldown
	PinModeOutput        = interfaces.PinModeOutput

	PinLow  = interfaces.PinLow
	PinHigh = interfaces.PinHigh

	IRQTriggerLow     = interfaces.IRQTriggerLow
	IRQTriggerHigh    = interfaces.IRQTriggerHigh
	IRQTriggerRising  = interfaces.IRQTriggerRising
	IRQTriggerFalling = interfaces.IRQTriggerFalling
	IRQTriggerChange  = interfaces.IRQTriggerChange
)

// Action-layer aliases.
type (
	Parser = action.Parser
	Result = action.Result
)

// Socket-layer aliases.
type (
	Protocol       = stream.Protocol
	SocketReceiver = stream.Receiver
)

const (
	ProtocolNone = stream.ProtocolNone
	ProtocolTCP  = stream.ProtocolTCP
	ProtocolUDP  = stream.ProtocolUDP
	ProtocolSSL  = stream.ProtocolSSL
)

// MQTT-layer aliases.
type MQTTReceiver = stream.MQTTReceiver

// ModemInfo is the static device identification snapshot returned by
// Info: IMEI, ICCID, firmware version, and manufacturer/model string.
type ModemInfo = modeminfo.Info

// PinConfig names the GPIO pin assignments the bridge is wired to.
type PinConfig struct {
	// IRQPin is the bridge's interrupt-request line, sampled on every
	// yield and driving ServiceInterrupt.
	IRQPin int
	// ResetPin is optional; 0 means no reset pin is wired and Reset
	// always fails.
	ResetPin int
}

// Config bundles a Modem's downward dependencies and tunables.
type Config struct {
	GPIO  GPIO
	SPI   SPI
	Clock Clock
	Pins  PinConfig

	Logger   Logger
	Observer Observer

	// DataContext is the PDP context id sockets are opened against and
	// the id Stop passes to CloseAll.
	DataContext int
	// MQTTClientIdx is the BGx client index (AT+QMTOPEN's first
	// argument) this Modem's single MQTT client occupies.
	MQTTClientIdx int
}

// EventKind classifies a notification delivered to the application
// callback for conditions the core surfaces but does not resolve
// itself, matching §7's Local/bring-up error kinds.
type EventKind int

const (
	EventAppReady EventKind = iota
	EventPDPDeactivated
	EventLocalError
)

// Event is delivered to the notify callback passed to Create.
type Event struct {
	Kind  EventKind
	CtxID int
	Err   error
}

// Modem is the single owning handle for one BGx modem: all core state
// lives here and is passed explicitly to every entry point, replacing
// the source's process-wide singleton per §9.
type Modem struct {
	cfg Config

	bridge  *bridge.Bridge
	io      *iop.IOP
	lock    *action.Lock
	sockets *stream.Sockets
	mqtt    *stream.MQTT
	info    *modeminfo.Modem

	metrics  *Metrics
	observer Observer
	notify   func(Event)

	extraYield func()
	appReady   chan struct{}
	started    bool
}

// Create builds a Modem bound to cfg's hardware. It does not touch the
// hardware; call Start to bring the bridge and modem up. notify may be
// nil.
func Create(cfg Config, notify func(Event)) (*Modem, error) {
	if cfg.GPIO == nil || cfg.SPI == nil {
		return nil, NewError("create", CategoryLocal, StatusBadRequest, "GPIO and SPI transports are required")
	}
	if cfg.Clock == nil {
		return nil, NewError("create", CategoryLocal, StatusBadRequest, "a Clock is required")
	}
	if notify == nil {
		notify = func(Event) {}
	}

	metrics := NewMetrics()
	observer := cfg.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	m := &Modem{
		cfg:      cfg,
		bridge:   bridge.New(cfg.SPI, cfg.Logger),
		metrics:  metrics,
		observer: observer,
		notify:   notify,
		appReady: make(chan struct{}, 1),
	}

	lock := &action.Lock{}
	m.lock = lock

	sockets := stream.NewSockets(stream.Config{
		Lock:        lock,
		Clock:       cfg.Clock,
		DataContext: cfg.DataContext,
		Yield:       m.yieldOnce,
	})
	m.sockets = sockets

	mqtt := stream.NewMQTT(stream.MQTTConfig{
		Lock:      lock,
		ClientIdx: cfg.MQTTClientIdx,
		Yield:     m.yieldOnce,
	})
	m.mqtt = mqtt

	m.io = iop.New(iop.Config{
		Bridge:     m.bridge,
		Clock:      cfg.Clock,
		Logger:     cfg.Logger,
		Observer:   observer,
		IRQLineLow: m.irqLineLow,
		Handlers: iop.Handlers{
			OnCommandResponse: lock.OnCommandResponse,
			OnSocketData:      sockets.OnSocketData,
			OnSocketClosed:    sockets.OnSocketClosed,
			OnMQTTMessage:     mqtt.OnMessage,
			RequestIRD:        sockets.OnRequestIRD,
			OnPDPDeactivated: func(ctxID int) {
				notify(Event{Kind: EventPDPDeactivated, CtxID: ctxID})
			},
			OnAppReady: func() {
				select {
				case m.appReady <- struct{}{}:
				default:
				}
				notify(Event{Kind: EventAppReady})
			},
		},
	})

	*lock = *action.New(action.Config{
		IOP:      m.io,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
		Observer: observer,
	})

	m.info = modeminfo.New(modeminfo.Config{Lock: lock, Yield: m.yieldOnce})

	return m, nil
}

func (m *Modem) irqLineLow() (bool, error) {
	v, err := m.cfg.GPIO.ReadPin(m.cfg.Pins.IRQPin)
	if err != nil {
		return false, err
	}
	return v == interfaces.PinLow, nil
}

// yieldOnce is the single cooperative step every blocking action call
// and the foreground DoWork loop drive: sample the IRQ line, service
// one interrupt pass if it is asserted, run the deferred URC
// classifier, and pump any socket whose IRD follow-up is pending.
// PumpPending is safe to call here because yieldOnce never runs from
// inside an iop.Handlers callback — see internal/stream's
// OnRequestIRD/OnSocketData for why that distinction matters.
func (m *Modem) yieldOnce() {
	if low, err := m.irqLineLow(); err == nil && low {
		_ = m.io.ServiceInterrupt()
	}
	m.io.DoWork()
	m.sockets.PumpPending()
	if m.extraYield != nil {
		m.extraYield()
	}
}

// DoWork drives one foreground service pass. Call this periodically
// from the application's own main loop; blocking action calls already
// drive the same step internally while awaiting a result.
func (m *Modem) DoWork() {
	m.yieldOnce()
}

// SetYieldCB installs an additional callback invoked on every
// cooperative yield, after the core's own interrupt-service/do-work
// step. Typical uses are watchdog kicks or an RTOS task yield; pass
// nil to remove it.
func (m *Modem) SetYieldCB(fn func()) {
	m.extraYield = fn
}

// Start initializes the bridge's UART registers and blocks until the
// modem's boot "APP RDY" URC arrives or ctx is done or
// constants.AppReadyTimeout elapses.
func (m *Modem) Start(ctx context.Context) error {
	if err := m.cfg.GPIO.OpenPin(m.cfg.Pins.IRQPin, interfaces.PinModeInput); err != nil {
		return WrapError("start", CategoryBringUp, err)
	}
	if m.cfg.Pins.ResetPin != 0 {
		if err := m.cfg.GPIO.OpenPin(m.cfg.Pins.ResetPin, interfaces.PinModeOutput); err != nil {
			return WrapError("start", CategoryBringUp, err)
		}
	}
	if err := m.bridge.Start(); err != nil {
		return WrapError("start", CategoryBringUp, err)
	}

	select {
	case <-m.appReady:
	default:
	}

	deadline := m.cfg.Clock.NowMillis() + uint32(constants.AppReadyTimeout/time.Millisecond)
	for m.cfg.Clock.NowMillis() < deadline {
		select {
		case <-ctx.Done():
			return WrapError("start", CategoryBringUp, ctx.Err())
		case <-m.appReady:
			m.started = true
			return nil
		default:
		}
		m.yieldOnce()
		m.cfg.Clock.DelayMillis(5)
	}
	return ErrAppReadyTimeout
}

// Stop closes every open socket and the MQTT client and marks the
// modem's metrics as stopped. It does not touch GPIO/SPI state.
func (m *Modem) Stop() {
	m.sockets.CloseAll(m.cfg.DataContext)
	m.mqtt.Close()
	m.metrics.Stop()
	m.started = false
}

// Reset pulses the modem's hardware reset pin, if one was configured.
func (m *Modem) Reset() error {
	if m.cfg.Pins.ResetPin == 0 {
		return NewError("reset", CategoryLocal, StatusPreconditionFailed, "no reset pin configured")
	}
	if err := m.cfg.GPIO.WritePin(m.cfg.Pins.ResetPin, interfaces.PinLow); err != nil {
		return WrapError("reset", CategoryLocal, err)
	}
	m.cfg.Clock.DelayMillis(10)
	if err := m.cfg.GPIO.WritePin(m.cfg.Pins.ResetPin, interfaces.PinHigh); err != nil {
		return WrapError("reset", CategoryLocal, err)
	}
	select {
	case <-m.appReady:
	default:
	}
	m.started = false
	return nil
}

// IsStarted reports whether Start has completed successfully since
// the last Stop/Reset.
func (m *Modem) IsStarted() bool {
	return m.started
}

// Metrics returns the Modem's metrics counters.
func (m *Modem) Metrics() *Metrics {
	return m.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of the Modem's
// metrics.
func (m *Modem) MetricsSnapshot() MetricsSnapshot {
	return m.metrics.Snapshot()
}

// Action layer.

func (m *Modem) ActionTryInvoke(cmd string) bool {
	return m.lock.TryInvoke(cmd)
}

func (m *Modem) ActionTryInvokeAdv(cmd string, retries int, timeout time.Duration, parser Parser) bool {
	return m.lock.TryInvokeAdv(cmd, retries, timeout, parser)
}

func (m *Modem) ActionAwaitResult(closeAction bool) Result {
	return m.lock.AwaitResult(closeAction, m.yieldOnce)
}

func (m *Modem) ActionClose() {
	m.lock.Close()
}

func (m *Modem) ActionSendRaw(data []byte, timeout time.Duration, parser Parser) error {
	return m.lock.SendRaw(data, timeout, parser)
}

func (m *Modem) ActionSendRawWithEOT(data []byte, eotPhrase []byte, timeout time.Duration, parser Parser) error {
	return m.lock.SendRawWithEOT(data, eotPhrase, timeout, parser)
}

// Sockets layer.

func (m *Modem) SocketsOpen(id int, protocol Protocol, host string, remotePort, localPort int, cleanSession bool, receiver SocketReceiver) StatusCode {
	return m.sockets.Open(id, protocol, host, remotePort, localPort, cleanSession, receiver)
}

func (m *Modem) SocketsClose(id int) StatusCode {
	return m.sockets.Close(id)
}

func (m *Modem) SocketsCloseAll(ctxID int) {
	m.sockets.CloseAll(ctxID)
}

func (m *Modem) SocketsSend(id int, data []byte) StatusCode {
	return m.sockets.Send(id, data)
}

func (m *Modem) SocketsFlush(id int) bool {
	return m.sockets.Flush(id)
}

// MQTT layer.

func (m *Modem) MQTTOpen(host string, port int, sslVersion int) StatusCode {
	return m.mqtt.Open(host, port, sslVersion)
}

func (m *Modem) MQTTConnect(clientID, username, password string, sessionClean bool) StatusCode {
	return m.mqtt.Connect(clientID, username, password, sessionClean)
}

func (m *Modem) MQTTSubscribe(topic string, qos int, receiver MQTTReceiver) StatusCode {
	return m.mqtt.Subscribe(topic, qos, receiver)
}

func (m *Modem) MQTTUnsubscribe(topic string) StatusCode {
	return m.mqtt.Unsubscribe(topic)
}

func (m *Modem) MQTTPublish(topic string, qos int, message []byte) StatusCode {
	return m.mqtt.Publish(topic, qos, message)
}

func (m *Modem) MQTTClose() StatusCode {
	return m.mqtt.Close()
}

// Modem info layer.

func (m *Modem) Info() ModemInfo {
	return m.info.Info()
}

func (m *Modem) RSSI() int {
	return m.info.RSSI()
}

func (m *Modem) RSSIBars(numberOfBars int) int {
	return m.info.RSSIBars(numberOfBars)
}
