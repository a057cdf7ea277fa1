package derive

import (
	"context"
	"sync"
	"time"

	"github.com/kilnworks/kiln/util"
)

// Pool bounds how many heavy computations run at once, independently per
// resource class. Video transcodes are subprocess bound and get a small
// capacity; image re-encodes are CPU bound and get a larger one. Waiting
// for a slot in one class never blocks another class.
type Pool struct {
	mu      sync.Mutex
	classes map[string]*util.Gate

	// AdmissionTimeout bounds how long Acquire waits for a slot before
	// giving up with ErrAdmissionTimeout. Zero means wait forever.
	AdmissionTimeout time.Duration
}

// Ticket is the admission token for one computation. Release must be
// called exactly once; it is safe to call from a defer on every path.
type Ticket struct {
	g    *util.Gate
	once sync.Once
}

// Release returns the slot to the class. Calling Release more than once
// is harmless.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(t.g.Leave)
}

// NewPool returns an empty pool. Add classes with SetClass before use.
func NewPool() *Pool {
	return &Pool{classes: make(map[string]*util.Gate)}
}

// SetClass registers a resource class admitting at most n computations
// at a time. Calling SetClass twice for a name replaces the gate, which
// is only safe before the pool is in use.
func (p *Pool) SetClass(name string, n int) {
	p.mu.Lock()
	p.classes[name] = util.NewGate(n)
	p.mu.Unlock()
}

// Acquire blocks until a slot is free in the given class and returns its
// ticket. Callers queue in arrival order. The wait is bounded by the
// pool's AdmissionTimeout and by ctx.
func (p *Pool) Acquire(ctx context.Context, class string) (*Ticket, error) {
	p.mu.Lock()
	g := p.classes[class]
	p.mu.Unlock()
	if g == nil {
		return nil, ErrNoClass
	}
	if p.AdmissionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.AdmissionTimeout)
		defer cancel()
	}
	err := g.Enter(ctx)
	if err != nil {
		if err == context.DeadlineExceeded {
			err = ErrAdmissionTimeout
		}
		return nil, err
	}
	return &Ticket{g: g}, nil
}

// Stop fails all current and future Acquire calls. Computations holding
// tickets are unaffected.
func (p *Pool) Stop() {
	p.mu.Lock()
	for _, g := range p.classes {
		g.Stop()
	}
	p.mu.Unlock()
}
