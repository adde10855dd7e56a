// Package device defines the contract toward the external device command
// executor: the request/receipt shapes this engine depends on, and a
// loopback implementation used for local wiring and tests. Addressing,
// encoding and priority-array semantics at the wire level live behind this
// boundary.
package device

import (
	"context"
	"errors"
)

type CommandType string

const (
	CommandWrite   CommandType = "WRITE"
	CommandRelease CommandType = "RELEASE"
)

// Command is one point-control request.
type Command struct {
	PointID  string
	Type     CommandType
	Value    *float64 // nil for RELEASE
	Priority int      // 1..16, 1 is highest
}

// Receipt is the synchronous accept/reject answer. The asynchronous command
// result arrives later keyed by CommandID.
type Receipt struct {
	CommandID string
	Accepted  bool
	Reason    string // set when not accepted
}

// Result is the asynchronous completion shape delivered by the collaborator.
// This engine defines it for consumers but does not wait for it.
type Result struct {
	CommandID     string
	Status        string
	ResponseValue *float64
	ErrorMessage  string
}

// PointInfo describes a controllable point well enough to pre-validate a
// command before it is put on the wire.
type PointInfo struct {
	ID       string
	Name     string
	Writable bool
	Min      *float64 // nil means unbounded
	Max      *float64
}

var (
	ErrPointNotFound = errors.New("point not found")
	ErrUnreachable   = errors.New("device unreachable")
)

// CommandExecutor dispatches point commands. Execute must honor ctx for its
// own timeout; a rejected command is a Receipt with Accepted=false, a
// transport-level failure is an error.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd Command) (Receipt, error)
}

// Registry resolves point metadata for pre-dispatch validation.
type Registry interface {
	Point(ctx context.Context, pointID string) (PointInfo, error)
}
