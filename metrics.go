package bgxcore

import (
	"sync/atomic"
	"time"

	"github.com/loouq/bgxcore/internal/action"
	"github.com/loouq/bgxcore/internal/interfaces"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// latencyHistogram is a cumulative latency histogram shared by the
// action, IRD, and MQTT-publish latency series below.
type latencyHistogram struct {
	buckets [numLatencyBuckets]atomic.Uint64
	total   atomic.Uint64
	count   atomic.Uint64
}

func (h *latencyHistogram) record(latencyNs uint64) {
	h.total.Add(latencyNs)
	h.count.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			h.buckets[i].Add(1)
		}
	}
}

func (h *latencyHistogram) avg() uint64 {
	count := h.count.Load()
	if count == 0 {
		return 0
	}
	return h.total.Load() / count
}

func (h *latencyHistogram) snapshot() [numLatencyBuckets]uint64 {
	var out [numLatencyBuckets]uint64
	for i := range out {
		out[i] = h.buckets[i].Load()
	}
	return out
}

// percentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (h *latencyHistogram) percentile(p float64) uint64 {
	total := h.count.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * p)
	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := h.buckets[i].Load()
		if bucketCount >= target {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = h.buckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(target-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

func (h *latencyHistogram) reset() {
	h.total.Store(0)
	h.count.Store(0)
	for i := range h.buckets {
		h.buckets[i].Store(0)
	}
}

// Metrics tracks operational statistics for a Modem: action traffic,
// ISR pass behavior, TX overflow events, IRD round-trips, and MQTT
// publish/receive traffic.
type Metrics struct {
	ActionsInvoked    atomic.Uint64
	ActionSuccess     atomic.Uint64
	ActionError       atomic.Uint64
	ActionTimeout     atomic.Uint64
	ActionOtherStatus atomic.Uint64
	ActionLatency     latencyHistogram

	ISRPasses          atomic.Uint64
	ISRSourcesServiced atomic.Uint64

	TXOverflowEvents atomic.Uint64
	TXOverflowBytes  atomic.Uint64

	IRDRoundtrips atomic.Uint64
	IRDBytes      atomic.Uint64
	IRDLatency    latencyHistogram

	MQTTPublishSuccess  [3]atomic.Uint64
	MQTTPublishFailure  [3]atomic.Uint64
	MQTTPublishLatency  latencyHistogram
	MQTTReceiveMessages atomic.Uint64
	MQTTReceiveBytes    atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a fresh, zeroed Metrics with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) RecordActionInvoked() {
	m.ActionsInvoked.Add(1)
}

func (m *Metrics) RecordActionResult(code StatusCode, latencyNs uint64) {
	switch {
	case code == action.StatusSuccess:
		m.ActionSuccess.Add(1)
	case code == action.StatusTimeout:
		m.ActionTimeout.Add(1)
	case code >= 500:
		m.ActionError.Add(1)
	default:
		m.ActionOtherStatus.Add(1)
	}
	m.ActionLatency.record(latencyNs)
}

func (m *Metrics) RecordISRPass(sourcesServiced int) {
	m.ISRPasses.Add(1)
	m.ISRSourcesServiced.Add(uint64(sourcesServiced))
}

func (m *Metrics) RecordTXOverflow(rejectedBytes int) {
	m.TXOverflowEvents.Add(1)
	m.TXOverflowBytes.Add(uint64(rejectedBytes))
}

func (m *Metrics) RecordIRDRoundtrip(bytes int, latencyNs uint64) {
	m.IRDRoundtrips.Add(1)
	m.IRDBytes.Add(uint64(bytes))
	m.IRDLatency.record(latencyNs)
}

// qosIndex clamps an MQTT QoS level to this package's three-bucket
// per-QoS counters.
func qosIndex(qos int) int {
	if qos < 0 {
		return 0
	}
	if qos > 2 {
		return 2
	}
	return qos
}

func (m *Metrics) RecordMQTTPublish(qos int, latencyNs uint64, success bool) {
	idx := qosIndex(qos)
	if success {
		m.MQTTPublishSuccess[idx].Add(1)
	} else {
		m.MQTTPublishFailure[idx].Add(1)
	}
	m.MQTTPublishLatency.record(latencyNs)
}

func (m *Metrics) RecordMQTTReceive(bytes int) {
	m.MQTTReceiveMessages.Add(1)
	m.MQTTReceiveBytes.Add(uint64(bytes))
}

// Stop marks the modem as stopped, for uptime accounting.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	ActionsInvoked    uint64
	ActionSuccess     uint64
	ActionError       uint64
	ActionTimeout     uint64
	ActionOtherStatus uint64
	ActionAvgLatency  uint64
	ActionP50Latency  uint64
	ActionP99Latency  uint64

	ISRPasses          uint64
	AvgSourcesPerPass  float64
	TXOverflowEvents   uint64
	TXOverflowBytes    uint64

	IRDRoundtrips  uint64
	IRDBytes       uint64
	IRDAvgLatency  uint64

	MQTTPublishSuccess  [3]uint64
	MQTTPublishFailure  [3]uint64
	MQTTPublishAvgLatency uint64
	MQTTReceiveMessages uint64
	MQTTReceiveBytes    uint64

	UptimeNs uint64
}

// Snapshot returns a point-in-time snapshot of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ActionsInvoked:     m.ActionsInvoked.Load(),
		ActionSuccess:      m.ActionSuccess.Load(),
		ActionError:        m.ActionError.Load(),
		ActionTimeout:      m.ActionTimeout.Load(),
		ActionOtherStatus:  m.ActionOtherStatus.Load(),
		ActionAvgLatency:   m.ActionLatency.avg(),
		ActionP50Latency:   m.ActionLatency.percentile(0.50),
		ActionP99Latency:   m.ActionLatency.percentile(0.99),
		ISRPasses:          m.ISRPasses.Load(),
		TXOverflowEvents:   m.TXOverflowEvents.Load(),
		TXOverflowBytes:    m.TXOverflowBytes.Load(),
		IRDRoundtrips:      m.IRDRoundtrips.Load(),
		IRDBytes:           m.IRDBytes.Load(),
		IRDAvgLatency:      m.IRDLatency.avg(),
		MQTTPublishAvgLatency: m.MQTTPublishLatency.avg(),
		MQTTReceiveMessages: m.MQTTReceiveMessages.Load(),
		MQTTReceiveBytes:    m.MQTTReceiveBytes.Load(),
	}
	for i := 0; i < 3; i++ {
		snap.MQTTPublishSuccess[i] = m.MQTTPublishSuccess[i].Load()
		snap.MQTTPublishFailure[i] = m.MQTTPublishFailure[i].Load()
	}

	sourcesServiced := m.ISRSourcesServiced.Load()
	if snap.ISRPasses > 0 {
		snap.AvgSourcesPerPass = float64(sourcesServiced) / float64(snap.ISRPasses)
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	return snap
}

// Reset zeroes all counters, useful for testing.
func (m *Metrics) Reset() {
	m.ActionsInvoked.Store(0)
	m.ActionSuccess.Store(0)
	m.ActionError.Store(0)
	m.ActionTimeout.Store(0)
	m.ActionOtherStatus.Store(0)
	m.ActionLatency.reset()
	m.ISRPasses.Store(0)
	m.ISRSourcesServiced.Store(0)
	m.TXOverflowEvents.Store(0)
	m.TXOverflowBytes.Store(0)
	m.IRDRoundtrips.Store(0)
	m.IRDBytes.Store(0)
	m.IRDLatency.reset()
	for i := range m.MQTTPublishSuccess {
		m.MQTTPublishSuccess[i].Store(0)
		m.MQTTPublishFailure[i].Store(0)
	}
	m.MQTTPublishLatency.reset()
	m.MQTTReceiveMessages.Store(0)
	m.MQTTReceiveBytes.Store(0)
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer is the public alias of internal/interfaces.Observer: the
// pluggable metrics-collection contract every internal package below
// the root is wired against.
type Observer = interfaces.Observer

// NoOpObserver is a no-op Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveActionInvoked(string)                 {}
func (NoOpObserver) ObserveActionResult(int, uint64)             {}
func (NoOpObserver) ObserveISRPass(int)                          {}
func (NoOpObserver) ObserveTXOverflow(int)                       {}
func (NoOpObserver) ObserveIRDRoundtrip(int, int, uint64)        {}
func (NoOpObserver) ObserveMQTTPublish(int, uint64, bool)        {}
func (NoOpObserver) ObserveMQTTReceive(int)                      {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver returns an Observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveActionInvoked(cmd string) {
	o.metrics.RecordActionInvoked()
}

func (o *MetricsObserver) ObserveActionResult(statusCode int, latencyNs uint64) {
	o.metrics.RecordActionResult(StatusCode(statusCode), latencyNs)
}

func (o *MetricsObserver) ObserveISRPass(sourcesServiced int) {
	o.metrics.RecordISRPass(sourcesServiced)
}

func (o *MetricsObserver) ObserveTXOverflow(rejectedBytes int) {
	o.metrics.RecordTXOverflow(rejectedBytes)
}

func (o *MetricsObserver) ObserveIRDRoundtrip(socketID int, bytes int, latencyNs uint64) {
	o.metrics.RecordIRDRoundtrip(bytes, latencyNs)
}

func (o *MetricsObserver) ObserveMQTTPublish(qos int, latencyNs uint64, success bool) {
	o.metrics.RecordMQTTPublish(qos, latencyNs, success)
}

func (o *MetricsObserver) ObserveMQTTReceive(bytes int) {
	o.metrics.RecordMQTTReceive(bytes)
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
)
