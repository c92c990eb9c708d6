//go:build windows

package core

import "time"

// ConnectionState is the top-level state of the Connection State Machine (§4.7).
// Exactly one instance exists process-wide.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// CanTransition reports whether action (connect/disconnect) is legal from s,
// per §4.7: connect() is legal from Disconnected or Error; disconnect() is
// legal from any state except itself and Disconnecting.
func CanTransition(from ConnectionState, action string) bool {
	switch action {
	case "connect":
		return from == StateDisconnected || from == StateError
	case "disconnect":
		return from != StateDisconnecting
	default:
		return false
	}
}

// ConnectionStats holds the observable metrics owned by the State Machine (§3),
// mutated by the Health Monitor (latency) and Traffic Poller (throughput).
type ConnectionStats struct {
	ConnectedAt time.Time

	TunRxBytesPerSec      float64
	TunTxBytesPerSec      float64
	PhysicalRxBytesPerSec float64
	PhysicalTxBytesPerSec float64

	TunRxBytesTotal      uint64
	TunTxBytesTotal      uint64
	PhysicalRxBytesTotal uint64
	PhysicalTxBytesTotal uint64

	LatencyMs             float64
	ConsecutiveHighLatency int
	Degraded              bool
}
