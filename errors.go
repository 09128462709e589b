package statecache

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStaleWriteConflict marks an optimistic commit whose value diverged from
	// the server's. It is resolved by a forced refetch, never by merging.
	ErrStaleWriteConflict = errors.New("statecache: optimistic value diverged from server state")
	// ErrEvictionRace marks an entry evicted between subscribe and read.
	ErrEvictionRace = errors.New("statecache: entry evicted before read")

	ErrPatchSettled = errors.New("statecache: patch already committed or rolled back")
	ErrNoLoader     = errors.New("statecache: no loader registered for entity")
	ErrNotLive      = errors.New("statecache: key is not in a live data class")
	ErrClosed       = errors.New("statecache: closed")
)

// NetworkError is a transient transport failure. Callers may retry.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("network error: %v", e.Err)
	}
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error   { return e.Err }
func (e *NetworkError) Temporary() bool { return true }

// ClientError is a non-retryable rejection (4xx-equivalent).
type ClientError struct {
	Status int
	Err    error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error (status %d): %v", e.Status, e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }

// ConflictError lists keys whose authoritative value diverged from the
// optimistic one at commit. The patch is committed regardless; the keys hold
// the authoritative value and a forced refetch has been issued for each.
type ConflictError struct {
	PatchID string
	Keys    []Key
}

func (e *ConflictError) Error() string {
	ks := make([]string, len(e.Keys))
	for i, k := range e.Keys {
		ks[i] = k.String()
	}
	return fmt.Sprintf("patch %s: stale write conflict on %s", e.PatchID, strings.Join(ks, ", "))
}

func (e *ConflictError) Is(target error) bool { return target == ErrStaleWriteConflict }

// IsRetryable reports whether err is a transient failure worth one more attempt.
// ClientError anywhere in the chain wins over NetworkError.
func IsRetryable(err error) bool {
	var ce *ClientError
	if errors.As(err, &ce) {
		return false
	}
	var ne *NetworkError
	return errors.As(err, &ne)
}
