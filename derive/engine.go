// Package derive implements the derivation cache: content addressed
// memoization of expensive media and rendering transforms. A derivation
// is looked up by fingerprint in the artifact store; on a miss exactly
// one computation runs per fingerprint, bounded per resource class, and
// the result is stored for every future requester.
package derive

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/kilnworks/kiln/store"
)

// Source is what the engine needs to know about the input of a
// derivation. Content nodes from a revision implement it. The identity
// is immutable: a node from a superseded revision is still derivable,
// its fingerprints just stop being requested once nobody resolves
// against the old revision anymore.
type Source interface {
	// SourceID is the stable identity of the input bytes (a content
	// hash). Two sources with equal IDs must have equal bytes.
	SourceID() string
	// OpenSource returns the input bytes.
	OpenSource() (io.ReadCloser, error)
}

// Indexer records stored artifacts for accounting. The index is queried
// by tooling but is not needed for cache correctness, so engine failures
// to record are logged rather than propagated.
type Indexer interface {
	IndexArtifact(key string, size int64, uploadedAt time.Time) error
}

// Engine orchestrates fingerprint → lookup → coalesced compute → store.
// Configure the public fields before use and do not change them after.
type Engine struct {
	// Artifacts is where derived blobs live, keyed by fingerprint.
	Artifacts store.Store

	// Inputs, if set, receives a copy of source bytes under the source
	// identity before the first derivation of that source. A remote
	// transcode box then reads inputs from object storage instead of
	// this host's disk.
	Inputs store.Store

	// Index records (key, uploaded_at) rows. May be nil.
	Index Indexer

	// Pool bounds concurrent computations per resource class.
	Pool *Pool

	// ComputeTimeout is the mandatory per-computation deadline. A
	// transform still running when it expires is killed and the
	// derivation fails (the failure is not cached).
	ComputeTimeout time.Duration

	transforms map[string]Transform
	flight     Flight
}

const defaultComputeTimeout = 5 * time.Minute

// Register adds a transform to the engine's closed set. Call during
// setup only.
func (e *Engine) Register(t Transform) {
	if e.transforms == nil {
		e.transforms = make(map[string]Transform)
	}
	e.transforms[t.Kind()] = t
}

// Inflight reports how many computations are running or queued.
func (e *Engine) Inflight() int { return e.flight.Inflight() }

// Derive returns the artifact for applying p to src, computing it only
// if no equivalent artifact exists yet. Concurrent calls with the same
// fingerprint share one computation; distinct fingerprints proceed in
// parallel up to the resource class capacity.
//
// ctx covers this caller's willingness to wait. Abandoning it never
// cancels a computation other callers (or the cache) will use.
func (e *Engine) Derive(ctx context.Context, src Source, p Params) (ArtifactRef, error) {
	t, ok := e.transforms[p.Kind]
	if !ok {
		return ArtifactRef{}, errors.Wrap(ErrUnknownTransform, p.Kind)
	}
	fp := Fingerprint(src.SourceID(), p)

	// cheap existence check first; a hit skips everything
	size, err := e.stat(fp)
	if err == nil {
		return ArtifactRef{Key: fp, Size: size}, nil
	}
	if err != store.ErrNotExist {
		return ArtifactRef{}, errors.Wrapf(err, "lookup %s (source %s)", fp, src.SourceID())
	}

	return e.flight.Do(ctx, fp, func() (ArtifactRef, error) {
		ref, err := e.compute(t, src, p, fp)
		if err != nil {
			return ArtifactRef{}, errors.Wrapf(err,
				"derive %s: source %s, kind %s", fp, src.SourceID(), p.Kind)
		}
		return ref, nil
	})
}

// stat checks the artifact store, retrying transient failures with a
// short backoff. ErrNotExist is definitive and returned immediately.
func (e *Engine) stat(key string) (int64, error) {
	var size int64
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		size, err = e.Artifacts.Stat(key)
		if err == nil || err == store.ErrNotExist {
			return size, err
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	return 0, err
}

// compute runs as the owner of the inflight entry. It acquires the
// worker slot, runs the transform under the compute deadline, and stores
// the result. It deliberately does not use the requesting caller's
// context: the owner runs to completion for the benefit of every waiter
// and of future requests.
func (e *Engine) compute(t Transform, src Source, p Params, fp string) (ArtifactRef, error) {
	timeout := e.ComputeTimeout
	if timeout <= 0 {
		timeout = defaultComputeTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticket, err := e.Pool.Acquire(ctx, t.Class())
	if err != nil {
		return ArtifactRef{}, err
	}
	defer ticket.Release()

	if e.Inputs != nil {
		e.ensureInput(src)
	}

	in, err := src.OpenSource()
	if err != nil {
		return ArtifactRef{}, errors.Wrap(err, "open source")
	}
	out, err := t.Run(ctx, in, p)
	in.Close()
	if err != nil {
		return ArtifactRef{}, err
	}

	if err := e.put(fp, out); err != nil {
		return ArtifactRef{}, err
	}
	if e.Index != nil {
		if err := e.Index.IndexArtifact(fp, int64(len(out)), time.Now()); err != nil {
			log.Printf("index %s: %s", fp, err)
		}
	}
	return ArtifactRef{Key: fp, Size: int64(len(out))}, nil
}

// put writes the derived bytes under key. Another process having won the
// race to store the same fingerprint is fine: the bytes are
// deterministic per key, so ErrKeyExists counts as success.
func (e *Engine) put(key string, data []byte) error {
	w, err := e.Artifacts.Create(key)
	if err == store.ErrKeyExists {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "store create")
	}
	_, werr := w.Write(data)
	cerr := w.Close()
	if werr != nil {
		return errors.Wrap(werr, "store write")
	}
	if cerr != nil && cerr != store.ErrKeyExists {
		return errors.Wrap(cerr, "store close")
	}
	return nil
}

// ensureInput uploads the source bytes under the source identity if they
// are not in the input store yet. Failures only cost us the side copy,
// so they are logged and ignored.
func (e *Engine) ensureInput(src Source) {
	id := src.SourceID()
	_, err := e.Inputs.Stat(id)
	if err == nil {
		return
	}
	if err != store.ErrNotExist {
		log.Printf("input stat %s: %s", id, err)
		return
	}
	in, err := src.OpenSource()
	if err != nil {
		log.Printf("input open %s: %s", id, err)
		return
	}
	defer in.Close()
	w, err := e.Inputs.Create(id)
	if err != nil {
		if err != store.ErrKeyExists {
			log.Printf("input create %s: %s", id, err)
		}
		return
	}
	if _, err := io.Copy(w, in); err != nil {
		log.Printf("input copy %s: %s", id, err)
	}
	if err := w.Close(); err != nil && err != store.ErrKeyExists {
		log.Printf("input close %s: %s", id, err)
	}
}
