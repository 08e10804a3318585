package module

import (
	"errors"

	"github.com/tenzoki/gobroker/internal/lifecycle"
)

// Sentinel errors returned by the Host API.
var (
	// ErrNotFound covers artifact load failure and lookups of an unknown
	// module uuid.
	ErrNotFound = errors.New("module: not found")
	// ErrInvalidArgument covers missing entry point, legacy mod_name
	// mismatch, and NULL-equivalent arguments to any Host API call.
	ErrInvalidArgument = errors.New("module: invalid argument")
	// ErrNoMemory surfaces allocation failure from Create; Go's runtime
	// reports this as a panic rather than a return value, so this sentinel
	// exists for API parity and is only returned by Create when a freshly
	// generated uuid collides with a live record.
	ErrNoMemory = errors.New("module: no memory")
	// ErrUnsupportedOp covers muted-channel violations and the drain
	// step's synthetic responses to residual requests.
	ErrUnsupportedOp = errors.New("module: unsupported operation")
	// ErrRouteUnderflow is returned when a RESPONSE's route stack is
	// already empty and cannot be popped.
	ErrRouteUnderflow = errors.New("module: route stack underflow")
	// ErrMuted is the more specific reason behind ErrUnsupportedOp when a
	// send is rejected because the channel is muted.
	ErrMuted = errors.New("module: channel is muted")
	// ErrIllegalTransition re-exports the lifecycle package's sentinel so
	// callers of this package never need to import lifecycle directly.
	ErrIllegalTransition = lifecycle.ErrIllegalTransition
	// ErrChannelClosed is returned by Send once the module's channel has
	// been closed. Receive does not return it.
	ErrChannelClosed = errors.New("module: channel closed")
)
