package fleet

//
// Error taxonomy
//

import (
	"errors"
	"fmt"
)

// ErrStackClosed indicates that an operation was attempted on a
// network stack that has already been closed.
var ErrStackClosed = errors.New("fleet: network stack closed")

// ErrNoPacket indicates that no packet is currently available.
var ErrNoPacket = errors.New("fleet: no packet available")

// ErrPacketDropped indicates that a packet was dropped.
var ErrPacketDropped = errors.New("fleet: packet was dropped")

// ErrNotIPAddress indicates that a string is not a serialized IP address.
var ErrNotIPAddress = errors.New("fleet: not a valid IP address")

// ErrProfileNotFound indicates that a link profile is not in the store.
var ErrProfileNotFound = errors.New("fleet: link profile not found")

// ErrInvalidProfile indicates that a link profile violates its
// invariants (bandwidth >= 0 and loss rate in [0, 1]).
var ErrInvalidProfile = errors.New("fleet: invalid link profile")

// ErrDuplicateAddr indicates that an address has already been added
// to a topology.
var ErrDuplicateAddr = errors.New("fleet: address has already been added")

// ErrHealthCheckTimeout indicates that an execution unit did not
// signal readiness within the configured timeout.
var ErrHealthCheckTimeout = errors.New("fleet: health check timeout")

// ErrConnectivity indicates that a participant did not respond to the
// connectivity probe within the configured timeout.
var ErrConnectivity = errors.New("fleet: connectivity verification failed")

// ErrRunFinished indicates that an operation was invoked on an
// experiment run that already reached a terminal state.
var ErrRunFinished = errors.New("fleet: run already finished")

// ErrRunStarted indicates that Start was invoked more than once.
var ErrRunStarted = errors.New("fleet: run already started")

// ErrTraffic indicates that background traffic could not be started.
// Traffic errors are logged and recorded but never fail a run.
var ErrTraffic = errors.New("fleet: cannot start background traffic")

// TopologyBuildError is the error returned when building a topology
// fails. Topology building is all-or-nothing, so when you receive this
// error no nodes or links from the attempted build remain allocated.
type TopologyBuildError struct {
	// Op is the build step that failed, e.g. "create node" or "apply link".
	Op string

	// Err is the underlying error.
	Err error
}

// Error implements error.
func (e *TopologyBuildError) Error() string {
	return fmt.Sprintf("fleet: topology build: %s: %s", e.Op, e.Err.Error())
}

// Unwrap supports [errors.Is] and [errors.As].
func (e *TopologyBuildError) Unwrap() error {
	return e.Err
}

// UnexpectedUnitExit is the error recorded when an execution unit
// exits while the run is still in the training state, or exits with a
// non-zero status.
type UnexpectedUnitExit struct {
	// Unit is the name of the unit that exited.
	Unit string

	// Err is the exit error reported by the unit, possibly nil when
	// the unit exited cleanly but too early.
	Err error
}

// Error implements error.
func (e *UnexpectedUnitExit) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fleet: unit %s exited unexpectedly", e.Unit)
	}
	return fmt.Sprintf("fleet: unit %s exited unexpectedly: %s", e.Unit, e.Err.Error())
}

// Unwrap supports [errors.Is] and [errors.As].
func (e *UnexpectedUnitExit) Unwrap() error {
	return e.Err
}
