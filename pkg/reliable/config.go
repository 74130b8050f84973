package reliable

import (
	"time"

	"reliabletransport/pkg/unreliable"
)

// Config collects every tunable knob for a Transport and its Connections.
// One Config is owned by a Transport at construction and passed by
// pointer to every Connection it creates. It has no setters: every field
// is fixed at construction (by DefaultConfig/FastConfig or a caller
// building one directly), so there is nothing to race against the
// scheduler tick.
type Config struct {
	PingIntervalMS              float64
	ResendIntervalMS            float64
	MaxTimeSinceLastSendMS      float64
	ConnectionTimeoutMS         float64
	PacketSeparationIntervalMS  float64
	MinExpectedAckTimeMS        float64
	MaxPingRoundTripsToTrack    int
	MaxAckRoundTripsToTrack     int
	MaxPacketsToResendOnUpdate  int
	MaxPacketsToResendOnAck     int
	MaxPacketsToSendOnSend      int
	MaxBytesFreeInFullPacket    int
	SendSeparatePingMessages    bool
	SendPacketsImmediately      bool
	SendAckOnReceipt            bool
	SendUnreliableImmediately   bool

	// DebugAssertions turns on assertInvariant checks (sequence/ack
	// bookkeeping consistency). Off by default since these checks walk
	// data the hot path already trusts; enable for test builds.
	DebugAssertions bool

	Framing unreliable.Config
}

// DefaultConfig is the "ANK" engine-facing profile: moderate keep-alive
// cadence, conservative resend budget.
func DefaultConfig() *Config {
	return &Config{
		PingIntervalMS:             250,
		ResendIntervalMS:           50,
		MaxTimeSinceLastSendMS:     49,
		ConnectionTimeoutMS:        5000,
		PacketSeparationIntervalMS: 0,
		MinExpectedAckTimeMS:       1,
		MaxPingRoundTripsToTrack:   20,
		MaxAckRoundTripsToTrack:    100,
		MaxPacketsToResendOnUpdate: 3,
		MaxPacketsToResendOnAck:    1,
		MaxPacketsToSendOnSend:     1,
		MaxBytesFreeInFullPacket:   44,
		SendSeparatePingMessages:   true,
		SendPacketsImmediately:    false,
		SendAckOnReceipt:          false,
		SendUnreliableImmediately: true,
		Framing:                   unreliable.DefaultFramingConfig(),
	}
}

// FastConfig is the "COZ" robot-facing profile: tight keep-alive cadence
// and packet separation for low-latency control loops.
func FastConfig() *Config {
	return &Config{
		PingIntervalMS:             33.3,
		ResendIntervalMS:           33.3,
		MaxTimeSinceLastSendMS:     32.3,
		ConnectionTimeoutMS:        5000,
		PacketSeparationIntervalMS: 2.0,
		MinExpectedAckTimeMS:       1,
		MaxPingRoundTripsToTrack:   10,
		MaxAckRoundTripsToTrack:    100,
		MaxPacketsToResendOnUpdate: 1,
		MaxPacketsToResendOnAck:    0,
		MaxPacketsToSendOnSend:     1,
		MaxBytesFreeInFullPacket:   44,
		SendSeparatePingMessages:   true,
		SendPacketsImmediately:    false,
		SendAckOnReceipt:          false,
		SendUnreliableImmediately: true,
		Framing:                   unreliable.FastFramingConfig(),
	}
}

func (c *Config) pingInterval() time.Duration {
	return durationFromMS(c.PingIntervalMS)
}

func (c *Config) resendInterval() time.Duration {
	return durationFromMS(c.ResendIntervalMS)
}

func (c *Config) maxTimeSinceLastSend() time.Duration {
	return durationFromMS(c.MaxTimeSinceLastSendMS)
}

func (c *Config) connectionTimeout() time.Duration {
	return durationFromMS(c.ConnectionTimeoutMS)
}

func (c *Config) packetSeparationInterval() time.Duration {
	return durationFromMS(c.PacketSeparationIntervalMS)
}

func (c *Config) minExpectedAckTime() time.Duration {
	return durationFromMS(c.MinExpectedAckTimeMS)
}

func durationFromMS(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// assertInvariant panics with msg if cond is false and c.DebugAssertions
// is set. It is a no-op otherwise, never the path by which a real
// runtime failure is reported — only a development-time consistency
// check for state no caller should be able to corrupt.
func (c *Config) assertInvariant(cond bool, msg string) {
	if c.DebugAssertions && !cond {
		panic("reliable: invariant violated: " + msg)
	}
}
