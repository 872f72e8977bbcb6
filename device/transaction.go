package device

import "fmt"

// Stage is the position of the control transfer on endpoint 0.
type Stage uint8

// Control transfer stages.
const (
	StageIdle      Stage = iota // No transfer in progress
	StageSetup                  // SETUP received, dispatching
	StageDataIn                 // Sending data to the host
	StageDataOut                // Receiving data from the host
	StageStatusIn               // Sending the zero-length status packet
	StageStatusOut              // Receiving the zero-length status packet
	StageStalled                // Both directions stalled until the next SETUP
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageSetup:
		return "setup"
	case StageDataIn:
		return "data-in"
	case StageDataOut:
		return "data-out"
	case StageStatusIn:
		return "status-in"
	case StageStatusOut:
		return "status-out"
	case StageStalled:
		return "stalled"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// CommitKind identifies a state change deferred until the status stage
// completes.
type CommitKind uint8

// Deferred commits.
const (
	CommitNone    CommitKind = iota // Nothing pending
	CommitAddress                   // Program Address after Status-In
)

// Commit is a deferred state change carried by a transaction.
type Commit struct {
	Kind    CommitKind
	Address uint8
}

// Transaction is the state of the control transfer in flight on endpoint 0.
// A new SETUP packet replaces it.
type Transaction struct {
	Setup  SetupPacket
	Stage  Stage
	Commit Commit

	window   []byte // staged buffer as handed to the data stage
	data     []byte // unsent or unfilled remainder of window
	chunk    int    // length of the packet in flight
	received int    // bytes received into window
	zlp      bool   // zero-length packet still owed after data
	external bool   // a ControlHandler owns completion
	classOut bool   // OUT data goes to class handlers on completion
	owner    ControlHandler
}

// Remaining returns the number of bytes left in the data stage.
func (t *Transaction) Remaining() int { return len(t.data) }

// ZLP reports whether a terminating zero-length packet is scheduled.
func (t *Transaction) ZLP() bool { return t.zlp }

// External reports whether a ControlHandler owns completion.
func (t *Transaction) External() bool { return t.external }

// stage sets the data window.
func (t *Transaction) stage(buf []byte) {
	t.window = buf
	t.data = buf
	t.received = 0
}
