// Package errs defines the three error kinds of the Osmosis error model:
// action failures (never fatal), protocol errors (session torn down,
// retryable), and invariant violations (fatal, replica considered corrupt).
package errs

import "fmt"

// ActionFailure is returned by dispatch/mergeOps for a single scalar action
// that could not be applied. It is never fatal.
type ActionFailure struct {
	Path    []interface{}
	Message string
}

func (e *ActionFailure) Error() string {
	return fmt.Sprintf("action failed at %v: %s", e.Path, e.Message)
}

// NewActionFailure builds an ActionFailure for the given path.
func NewActionFailure(path []interface{}, format string, args ...interface{}) *ActionFailure {
	return &ActionFailure{Path: path, Message: fmt.Sprintf(format, args...)}
}

// ProtocolError wraps a sync-session failure: timeout, wrong-session frame,
// or a transport-level RPC error. The session is torn down; a later
// connection attempt may retry.
type ProtocolError struct {
	SessionID string
	Method    string
	Message   string
	Code      int
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("protocol error in session %s (%s): %s [code %d]", e.SessionID, e.Method, e.Message, e.Code)
	}
	return fmt.Sprintf("protocol error in session %s (%s): %s", e.SessionID, e.Method, e.Message)
}

// BusyWithSessionUpdate is the distinguished wire error code 101: the peer
// is mid-session and the caller should retry with exponential backoff.
const BusyWithSessionUpdate = 101

// InvariantViolation marks replica corruption: no save point covers an
// insertion point, the op log lost its sort order, etc. The process should
// treat the replica as unusable.
type InvariantViolation struct {
	Message string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: %s", e.Message)
}

// NewInvariantViolation builds an InvariantViolation.
func NewInvariantViolation(format string, args ...interface{}) *InvariantViolation {
	return &InvariantViolation{Message: fmt.Sprintf(format, args...)}
}

// NotFound is returned when a referenced node, peer, or save point does
// not exist.
type NotFound struct {
	Message string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("not found: %s", e.Message)
}
