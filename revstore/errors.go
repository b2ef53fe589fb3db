package revstore

import (
	"errors"
	"fmt"
)

var (
	// ErrCollision is returned when a transaction verifier finds that the
	// state it was prepared against has changed. Retry with fresh state.
	ErrCollision = errors.New("transaction collision")
	// ErrInconsistent marks structural damage found while rescanning an
	// artifact's binder records.
	ErrInconsistent = errors.New("database inconsistent")
	// ErrConsistency is a programmer-visible violation of branching rules.
	ErrConsistency = errors.New("consistency violation")
	// ErrStaleBase is returned when an edit names a base revision that is
	// not the head of the open local chain.
	ErrStaleBase        = errors.New("stale base revision")
	ErrReincarnating    = errors.New("artifact is already reincarnating")
	ErrNotReincarnating = errors.New("artifact is not reincarnating")
	// ErrNoBranching is returned for local-chain operations on an artifact
	// created without branching.
	ErrNoBranching = errors.New("artifact does not support branching")
	// ErrCorruptIndex is returned by index file readers. It never escapes
	// the index manager.
	ErrCorruptIndex = errors.New("corrupt index file")
	ErrClosed       = errors.New("closed")
	ErrNotFound     = errors.New("not found")
)

// IllegalBaseRevisionError reports an edit started from a revision that can
// no longer serve as a base.
type IllegalBaseRevisionError struct {
	Artifact uint64
	Revision uint64
	Reason   string
}

func (e *IllegalBaseRevisionError) Error() string {
	return fmt.Sprintf("artifact %d: illegal base revision %d: %s", e.Artifact, e.Revision, e.Reason)
}

func (e *IllegalBaseRevisionError) Unwrap() error {
	return ErrConsistency
}

// InconsistentError describes a structural problem found during a rescan.
type InconsistentError struct {
	Artifact uint64
	Binder   uint64
	Problem  string
}

func (e *InconsistentError) Error() string {
	if e.Binder != 0 {
		return fmt.Sprintf("artifact %d: binder %d: %s", e.Artifact, e.Binder, e.Problem)
	}
	return fmt.Sprintf("artifact %d: %s", e.Artifact, e.Problem)
}

func (e *InconsistentError) Unwrap() error {
	return ErrInconsistent
}

// RepeatUntilNoCollisions runs fn until it returns something other than
// ErrCollision, at most attempts times. invalidate runs between attempts so
// that the next try starts from fresh state. The last error is returned when
// the budget is exhausted.
func RepeatUntilNoCollisions(attempts int, invalidate func(), fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 && invalidate != nil {
			invalidate()
		}
		err = fn()
		if err == nil || !errors.Is(err, ErrCollision) {
			return err
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}
