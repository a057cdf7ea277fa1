package derive

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/kilnworks/kiln/store"
)

// stubSource is a content node stand-in.
type stubSource struct {
	id   string
	data []byte
}

func (s stubSource) SourceID() string { return s.id }
func (s stubSource) OpenSource() (io.ReadCloser, error) {
	return ioutil.NopCloser(bytes.NewReader(s.data)), nil
}

// countingTransform records invocations and can be made slow or broken.
type countingTransform struct {
	kind  string
	class string
	n     int64
	delay time.Duration
	fail  error
	out   []byte
}

func (c *countingTransform) Kind() string  { return c.kind }
func (c *countingTransform) Class() string { return c.class }
func (c *countingTransform) Run(ctx context.Context, src io.Reader, p Params) ([]byte, error) {
	atomic.AddInt64(&c.n, 1)
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.fail != nil {
		return nil, c.fail
	}
	if c.out != nil {
		return c.out, nil
	}
	return ioutil.ReadAll(src)
}

func newTestEngine(t *countingTransform) *Engine {
	pool := NewPool()
	pool.SetClass("image", 4)
	pool.SetClass("video", 2)
	e := &Engine{
		Artifacts:      store.NewMemory(),
		Pool:           pool,
		ComputeTimeout: 5 * time.Second,
	}
	e.Register(t)
	return e
}

func TestDeriveCacheHit(t *testing.T) {
	tr := &countingTransform{kind: "image", class: "image", out: []byte("derived!")}
	e := newTestEngine(tr)
	src := stubSource{id: "node-a", data: []byte("original")}
	p := Params{Kind: "image", Format: "webp", Width: 800}

	ref1, err := e.Derive(context.Background(), src, p)
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	if ref1.Size != 8 {
		t.Errorf("Received size %d, expected %d", ref1.Size, 8)
	}

	// the second sequential call must not invoke the transform
	ref2, err := e.Derive(context.Background(), src, p)
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	if ref2 != ref1 {
		t.Errorf("Received %v, expected %v", ref2, ref1)
	}
	if tr.n != 1 {
		t.Errorf("Received %d transform invocations, expected %d", tr.n, 1)
	}

	data, err := store.ReadAll(e.Artifacts, ref1.Key)
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	if string(data) != "derived!" {
		t.Errorf("Received %q, expected %q", data, "derived!")
	}
}

func TestDeriveCoalescesConcurrent(t *testing.T) {
	tr := &countingTransform{kind: "image", class: "image", delay: 50 * time.Millisecond, out: []byte("x")}
	e := newTestEngine(tr)
	src := stubSource{id: "node-a", data: []byte("original")}
	p := Params{Kind: "image", Format: "webp", Width: 800}

	const N = 10
	var wg sync.WaitGroup
	refs := make([]ArtifactRef, N)
	errs := make([]error, N)
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs[i], errs[i] = e.Derive(context.Background(), src, p)
		}(i)
	}
	wg.Wait()

	if tr.n != 1 {
		t.Errorf("Received %d transform invocations, expected %d", tr.n, 1)
	}
	for i := 0; i < N; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d: received %s", i, errs[i].Error())
		}
		if refs[i] != refs[0] {
			t.Errorf("caller %d: received %v, expected %v", i, refs[i], refs[0])
		}
	}
}

func TestDeriveDistinctParamsParallel(t *testing.T) {
	tr := &countingTransform{kind: "image", class: "image", delay: 50 * time.Millisecond, out: []byte("x")}
	e := newTestEngine(tr)
	src := stubSource{id: "node-a", data: []byte("original")}

	var wg sync.WaitGroup
	start := time.Now()
	for _, width := range []int{400, 800} {
		wg.Add(1)
		go func(width int) {
			defer wg.Done()
			_, err := e.Derive(context.Background(), src, Params{Kind: "image", Format: "webp", Width: width})
			if err != nil {
				t.Errorf("width %d: received %s", width, err.Error())
			}
		}(width)
	}
	wg.Wait()

	if tr.n != 2 {
		t.Errorf("Received %d transform invocations, expected %d", tr.n, 2)
	}
	// both ran in parallel, so well under 2x the delay
	if elapsed := time.Since(start); elapsed > 90*time.Millisecond {
		t.Errorf("distinct fingerprints serialized: took %s", elapsed)
	}
}

func TestDeriveFailureNotCached(t *testing.T) {
	boom := errors.New("encoder exploded")
	tr := &countingTransform{kind: "video", class: "video", fail: boom}
	e := newTestEngine(tr)
	src := stubSource{id: "node-v", data: []byte("original")}
	p := Params{Kind: "video", Format: "webm"}

	_, err := e.Derive(context.Background(), src, p)
	if err == nil {
		t.Fatalf("expected an error")
	}
	if errors.Cause(err) != boom {
		t.Errorf("Received cause %v, expected %v", errors.Cause(err), boom)
	}

	// transient failure self-heals: a later call computes fresh
	tr.fail = nil
	tr.out = []byte("recovered")
	ref, err := e.Derive(context.Background(), src, p)
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	if ref.Size != 9 {
		t.Errorf("Received size %d, expected %d", ref.Size, 9)
	}
	if tr.n != 2 {
		t.Errorf("Received %d transform invocations, expected %d", tr.n, 2)
	}
}

func TestDeriveComputeTimeout(t *testing.T) {
	tr := &countingTransform{kind: "video", class: "video", delay: time.Second}
	e := newTestEngine(tr)
	e.ComputeTimeout = 20 * time.Millisecond
	src := stubSource{id: "node-v", data: []byte("original")}

	_, err := e.Derive(context.Background(), src, Params{Kind: "video"})
	if errors.Cause(err) != context.DeadlineExceeded {
		t.Errorf("Received %v, expected cause %v", err, context.DeadlineExceeded)
	}
}

func TestDeriveUnknownKind(t *testing.T) {
	tr := &countingTransform{kind: "image", class: "image"}
	e := newTestEngine(tr)
	src := stubSource{id: "node-a"}

	_, err := e.Derive(context.Background(), src, Params{Kind: "hologram"})
	if errors.Cause(err) != ErrUnknownTransform {
		t.Errorf("Received %v, expected cause %v", err, ErrUnknownTransform)
	}
}

func TestDeriveUploadsInput(t *testing.T) {
	tr := &countingTransform{kind: "image", class: "image", out: []byte("x")}
	e := newTestEngine(tr)
	e.Inputs = store.NewMemory()
	src := stubSource{id: "aabbcc", data: []byte("original bytes")}

	_, err := e.Derive(context.Background(), src, Params{Kind: "image", Width: 100})
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	data, err := store.ReadAll(e.Inputs, "aabbcc")
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	if string(data) != "original bytes" {
		t.Errorf("Received %q, expected %q", data, "original bytes")
	}
}

// indexRecorder counts index writes.
type indexRecorder struct {
	mu   sync.Mutex
	rows map[string]int64
}

func (r *indexRecorder) IndexArtifact(key string, size int64, at time.Time) error {
	r.mu.Lock()
	if r.rows == nil {
		r.rows = make(map[string]int64)
	}
	r.rows[key] = size
	r.mu.Unlock()
	return nil
}

func TestDeriveRecordsIndex(t *testing.T) {
	tr := &countingTransform{kind: "image", class: "image", out: []byte("abc")}
	e := newTestEngine(tr)
	rec := &indexRecorder{}
	e.Index = rec
	src := stubSource{id: "node-a", data: []byte("original")}

	ref, err := e.Derive(context.Background(), src, Params{Kind: "image"})
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	rec.mu.Lock()
	size, ok := rec.rows[ref.Key]
	rec.mu.Unlock()
	if !ok {
		t.Fatalf("artifact was not indexed")
	}
	if size != 3 {
		t.Errorf("Received indexed size %d, expected %d", size, 3)
	}
}
