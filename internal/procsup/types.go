//go:build windows

// Package procsup owns the lifecycle of the two helper executables
// (pingtunnel-client and tun2socks): launch, captured-output relay,
// liveness probing, and tree-kill termination (§4.2).
package procsup

// ProcessName identifies one of the two supervised helper executables.
type ProcessName string

const (
	PingtunnelClient ProcessName = "pingtunnel-client"
	Tun2Socks        ProcessName = "tun2socks"
)

// EventKind distinguishes the two kinds of ProcessEvent.
type EventKind int

const (
	// LineReceived fires for every captured stdout/stderr line.
	LineReceived EventKind = iota
	// Exited fires once, when a child process terminates for any reason
	// (including a StopAll-requested termination).
	Exited
)

// ProcessEvent is delivered on the Supervisor's dedicated dispatching
// channel (§4.2); consumers are the Connection State Machine (Exited)
// and the Health Monitor (LineReceived, for latency parsing).
type ProcessEvent struct {
	Kind EventKind
	Name ProcessName
	Line string // valid when Kind == LineReceived
	Code int    // valid when Kind == Exited
}
