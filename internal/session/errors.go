package session

import (
	"fmt"

	"github.com/rotisserie/eris"
)

var (
	// ErrClosed is returned by operations on a session that was torn down.
	ErrClosed = eris.New("session closed")
	// ErrNoActiveBank is returned when no bank is loaded.
	ErrNoActiveBank = eris.New("no active bank")
	// ErrNothingToApprove is returned by ApproveAll when no record is enhanced.
	ErrNothingToApprove = eris.New("no enhanced records to approve")
	// ErrStaleCheckpoint is returned when an enhancement finishes after its
	// record was changed by undo, redo or a newer enhancement.
	ErrStaleCheckpoint = eris.New("record changed while enhancement was in flight")
	// ErrNoStore is returned by remote operations of a local-only controller.
	ErrNoStore = eris.New("no record store configured")
)

// LoadFailure reports a failed upload or load. The previously active
// session is left untouched.
type LoadFailure struct {
	Op  string
	Err error
}

func (f *LoadFailure) Error() string {
	return fmt.Sprintf("%s failed: %v", f.Op, f.Err)
}

func (f *LoadFailure) Unwrap() error { return f.Err }
