package session

import (
	"fmt"
	"strings"
)

type Status string

const (
	Idle      Status = "idle"
	Submitted Status = "submitted"
	Streaming Status = "streaming"
	Ready     Status = "ready"
	Error     Status = "error"
)

// Machine tracks one turn at a time:
//
//	idle -> submitted -> streaming -> ready
//	           \            \-> error
//	            \-> error
//
// Ready and error accept the next submit. It is not safe for concurrent use;
// Session guards it.
type Machine struct {
	status  Status
	partial strings.Builder
	err     error
}

func NewMachine() *Machine {
	return &Machine{status: Idle}
}

func (m *Machine) Status() Status { return m.status }

// Partial is the text accumulated during the current or last turn.
func (m *Machine) Partial() string { return m.partial.String() }

func (m *Machine) Err() error { return m.err }

// InFlight reports whether a turn is running. Persisted snapshots must not
// replace local state while it is.
func (m *Machine) InFlight() bool {
	return m.status == Submitted || m.status == Streaming
}

func (m *Machine) Submit() error {
	if m.InFlight() {
		return fmt.Errorf("cannot submit while %s", m.status)
	}
	m.status = Submitted
	m.partial.Reset()
	m.err = nil
	return nil
}

// Delta appends a token. The first token moves submitted to streaming.
func (m *Machine) Delta(token string) bool {
	if !m.InFlight() {
		return false
	}
	m.status = Streaming
	m.partial.WriteString(token)
	return true
}

func (m *Machine) Finish() bool {
	if !m.InFlight() {
		return false
	}
	m.status = Ready
	return true
}

func (m *Machine) Fail(err error) bool {
	if !m.InFlight() {
		return false
	}
	m.status = Error
	m.err = err
	return true
}

// Abort ends the turn early; the partial text is kept.
func (m *Machine) Abort() bool {
	if !m.InFlight() {
		return false
	}
	m.status = Ready
	return true
}
