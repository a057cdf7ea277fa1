package derive

import (
	"context"
	"sync"
)

// ArtifactRef points at a stored derivation. The key is the fingerprint
// that produced it.
type ArtifactRef struct {
	Key  string
	Size int64
}

// Flight coalesces concurrent computations of the same fingerprint. The
// first caller for a key becomes the owner and runs the computation;
// everyone else arriving before it finishes waits and shares the owner's
// result. The zero value is ready to use.
//
// At most one computation per key is in flight across the process. The
// map mutex guards only registration and the final broadcast, never the
// computation itself.
type Flight struct {
	mu       sync.Mutex
	inflight map[string]*flightEntry
}

type flightEntry struct {
	done chan struct{} // closed when ref/err are set
	ref  ArtifactRef
	err  error
}

// Do returns the artifact for key, computing it with fn if no
// computation is already in flight. A waiter may abandon via its context
// without disturbing the owner or the other waiters; the owner always
// runs fn to completion (fn bounds its own runtime).
//
// Errors are not cached: the entry is removed before waiters are woken,
// so the next Do for the key starts a fresh computation.
func (f *Flight) Do(ctx context.Context, key string, fn func() (ArtifactRef, error)) (ArtifactRef, error) {
	f.mu.Lock()
	if f.inflight == nil {
		f.inflight = make(map[string]*flightEntry)
	}
	if e, ok := f.inflight[key]; ok {
		// someone else is already computing this key
		f.mu.Unlock()
		select {
		case <-e.done:
			return e.ref, e.err
		case <-ctx.Done():
			return ArtifactRef{}, ctx.Err()
		}
	}
	e := &flightEntry{done: make(chan struct{})}
	f.inflight[key] = e
	f.mu.Unlock()

	e.ref, e.err = fn()

	// removal and broadcast happen under the same lock acquisition, so
	// no goroutine can register on a finished entry.
	f.mu.Lock()
	delete(f.inflight, key)
	close(e.done)
	f.mu.Unlock()
	return e.ref, e.err
}

// Inflight reports how many computations are currently in flight. Used
// by the status endpoint.
func (f *Flight) Inflight() int {
	f.mu.Lock()
	n := len(f.inflight)
	f.mu.Unlock()
	return n
}
