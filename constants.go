package bgxcore

import "github.com/loouq/bgxcore/internal/constants"

// Re-exported tunables for callers that want to reference the driver's
// defaults without importing the internal package directly.
const (
	TXRingCapacity        = constants.TXRingCapacity
	PrimaryBufferCount    = constants.PrimaryBufferCount
	PrimaryBufferSize     = constants.PrimaryBufferSize
	DataBufferCount       = constants.DataBufferCount
	DataBufferSize        = constants.DataBufferSize
	MaxSockets            = constants.MaxSockets
	MaxMQTTSubscriptions  = constants.MaxMQTTSubscriptions
	IRDRequestSize        = constants.IRDRequestSize
	ActionRetriesDefault  = constants.ActionRetriesDefault
	ActionRetryInterval   = constants.ActionRetryInterval
	ActionTimeoutDefault  = constants.ActionTimeoutDefault
	AppReadyTimeout       = constants.AppReadyTimeout
)
