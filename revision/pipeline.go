// Package revision maintains immutable snapshots of a content tree and
// rebuilds them incrementally as source files change.
//
// Readers take the current Revision at the start of a request and use it
// throughout: a rebuild publishing a newer revision never changes what
// an in-flight reader sees. Superseded revisions are garbage collected
// once the last reader drops its pointer.
package revision

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"
)

// Revision is one immutable snapshot of the whole content tree. Nodes
// unchanged since the previous revision are shared with it rather than
// copied.
type Revision struct {
	// Seq increases by one with every publish. Revision 0 is the
	// initial full load.
	Seq int64

	Created time.Time

	nodes map[string]*ContentNode
}

// Node returns the content node at the given path, or nil.
func (r *Revision) Node(path string) *ContentNode { return r.nodes[path] }

// Len returns the number of nodes in the revision.
func (r *Revision) Len() int { return len(r.nodes) }

// Paths returns every node path, in no particular order.
func (r *Revision) Paths() []string {
	out := make([]string, 0, len(r.nodes))
	for p := range r.nodes {
		out = append(out, p)
	}
	return out
}

// NErrored counts the degraded nodes in the revision.
func (r *Revision) NErrored() int {
	var n int
	for _, node := range r.nodes {
		if node.Errored() {
			n++
		}
	}
	return n
}

// Pipeline states. Loading → Ready ⇄ Rebuilding, Stopped is terminal.
const (
	StateLoading int32 = iota
	StateReady
	StateRebuilding
	StateStopped
)

// StateName gives a printable name for a pipeline state.
func StateName(s int32) string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateRebuilding:
		return "rebuilding"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Pipeline owns the published-revision pointer. Set the public fields,
// call Load once, then Watch. Do not change fields afterward.
type Pipeline struct {
	// Root is the content directory to scan.
	Root string

	// Loader runs per node during load and rebuild. May be nil.
	Loader NodeLoader

	// Source produces change notifications. If nil, rebuilds only
	// happen via explicit Trigger calls.
	Source Watcher

	// Debounce is how long to sit on a change notification waiting for
	// more, so bulk edits coalesce into one rebuild. Default 200ms.
	Debounce time.Duration

	// Clock is used for debouncing. Defaults to the wall clock; tests
	// install a mock.
	Clock clock.Clock

	state int32 // atomic; one of the State* values

	m       sync.RWMutex // protects current and subs
	current *Revision
	subs    []chan int64

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

const defaultDebounce = 200 * time.Millisecond

// Load does the initial full scan and publishes revision 0. An error
// here means no usable revision exists and the process should treat it
// as a fatal startup failure.
func (p *Pipeline) Load() error {
	atomic.StoreInt32(&p.state, StateLoading)
	nodes, err := p.scan(nil)
	if err != nil {
		atomic.StoreInt32(&p.state, StateStopped)
		return errors.Wrapf(err, "initial load of %s", p.Root)
	}
	rev := &Revision{Seq: 0, Created: time.Now(), nodes: nodes}
	p.m.Lock()
	p.current = rev
	p.m.Unlock()
	atomic.StoreInt32(&p.state, StateReady)
	log.Printf("revision 0 published: %d nodes, %d errored", rev.Len(), rev.NErrored())
	return nil
}

// Current returns the published revision. The returned snapshot is
// immutable and stays valid for as long as the caller holds it.
func (p *Pipeline) Current() *Revision {
	p.m.RLock()
	rev := p.current
	p.m.RUnlock()
	return rev
}

// State returns the pipeline's current state.
func (p *Pipeline) State() int32 { return atomic.LoadInt32(&p.state) }

// Subscribe returns a channel receiving the sequence number of each
// newly published revision. Used by the live-reload notifier. Slow
// subscribers miss notifications rather than stalling the publisher.
func (p *Pipeline) Subscribe() <-chan int64 {
	c := make(chan int64, 4)
	p.m.Lock()
	p.subs = append(p.subs, c)
	p.m.Unlock()
	return c
}

// Unsubscribe removes a channel returned by Subscribe. Safe to call with
// a channel that was already removed.
func (p *Pipeline) Unsubscribe(c <-chan int64) {
	p.m.Lock()
	for i, s := range p.subs {
		if (<-chan int64)(s) == c {
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			break
		}
	}
	p.m.Unlock()
}

// Trigger requests a rebuild as if a change notification had arrived.
func (p *Pipeline) Trigger() {
	p.init()
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Watch starts the background goroutine that consumes change
// notifications, debounces them, and rebuilds. Call after Load.
func (p *Pipeline) Watch() {
	p.init()
	go p.watchLoop()
}

// Stop halts the watch loop. The current revision remains readable.
func (p *Pipeline) Stop() {
	p.init()
	close(p.stop)
	<-p.done
	atomic.StoreInt32(&p.state, StateStopped)
}

func (p *Pipeline) init() {
	p.once.Do(func() {
		if p.Clock == nil {
			p.Clock = clock.New()
		}
		if p.Debounce <= 0 {
			p.Debounce = defaultDebounce
		}
		p.trigger = make(chan struct{}, 1)
		p.stop = make(chan struct{})
		p.done = make(chan struct{})
	})
}

// watchLoop turns raw change events into debounced rebuilds. The first
// event starts the quiet-period timer; events arriving while it is
// pending are simply absorbed, so an editor writing fifty files causes
// one rebuild.
func (p *Pipeline) watchLoop() {
	defer close(p.done)
	var events <-chan string
	var watchErrs <-chan error
	if p.Source != nil {
		if err := p.Source.Start(); err != nil {
			log.Printf("watch %s: %s", p.Root, err)
			raven.CaptureError(err, nil)
		} else {
			events = p.Source.Events()
			watchErrs = p.Source.Errors()
			defer p.Source.Close()
		}
	}

	var pending <-chan time.Time
	for {
		select {
		case <-p.stop:
			return
		case path, ok := <-events:
			if !ok {
				// watch handle died; try to restart it
				if err := p.Source.Start(); err != nil {
					log.Printf("watch restart: %s", err)
					raven.CaptureError(err, nil)
					events = nil
					break
				}
				events = p.Source.Events()
				watchErrs = p.Source.Errors()
				break
			}
			_ = path // the rebuild rescans; the event is only a trigger
			if pending == nil {
				pending = p.Clock.After(p.Debounce)
			}
		case err := <-watchErrs:
			if err != nil {
				log.Printf("watch: %s", err)
			}
		case <-p.trigger:
			if pending == nil {
				pending = p.Clock.After(p.Debounce)
			}
		case <-pending:
			pending = nil
			p.rebuild()
		}
	}
}

// rebuild computes the next revision and atomically publishes it. Only
// files whose size or mtime changed are re-hashed and re-loaded;
// everything else shares the previous revision's node. A single bad
// file marks only its own node errored.
func (p *Pipeline) rebuild() {
	atomic.StoreInt32(&p.state, StateRebuilding)
	prev := p.Current()
	start := time.Now()
	nodes, err := p.scan(prev)
	if err != nil {
		// the tree is unreadable; keep serving the previous revision
		log.Printf("rebuild failed, keeping revision %d: %s", prev.Seq, err)
		raven.CaptureError(err, nil)
		atomic.StoreInt32(&p.state, StateReady)
		return
	}
	rev := &Revision{Seq: prev.Seq + 1, Created: time.Now(), nodes: nodes}

	p.m.Lock()
	p.current = rev
	subs := p.subs
	p.m.Unlock()
	atomic.StoreInt32(&p.state, StateReady)

	var shared int
	for path, n := range nodes {
		if prev.nodes[path] == n {
			shared++
		}
	}
	log.Printf("revision %d published in %s: %d nodes (%d shared, %d errored)",
		rev.Seq, time.Since(start), rev.Len(), shared, rev.NErrored())

	for _, c := range subs {
		select {
		case c <- rev.Seq:
		default:
		}
	}
}

// scan walks the content root. With a previous revision it is an
// incremental pass: unchanged files (same size and mtime) reuse the old
// node, including its hash, so rebuild cost tracks the size of the
// change rather than the tree.
func (p *Pipeline) scan(prev *Revision) (map[string]*ContentNode, error) {
	nodes := make(map[string]*ContentNode)
	err := filepath.Walk(p.Root, func(abs string, fi os.FileInfo, err error) error {
		if err != nil {
			if abs == p.Root {
				return err
			}
			log.Printf("scan %s: %s", abs, err)
			return nil
		}
		base := filepath.Base(abs)
		if strings.HasPrefix(base, ".") {
			if fi.IsDir() && abs != p.Root {
				return filepath.SkipDir
			}
			return nil
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(p.Root, abs)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if prev != nil {
			old := prev.nodes[rel]
			if old != nil && !old.Errored() &&
				old.Size == fi.Size() && old.ModTime.Equal(fi.ModTime()) {
				nodes[rel] = old
				return nil
			}
		}
		nodes[rel] = loadNode(abs, rel, fi, p.Loader)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}
