// Package util has small helpers shared by the kiln packages.
package util

import (
	"context"
	"errors"
)

// A Gate limits concurrency. Every gate has a maximum number of
// goroutines to allow through at a time. Goroutines enter the gate by
// calling Enter(), and signal that they are done by calling Leave().
//
// Goroutines blocked in Enter are admitted in the order they arrived,
// so a burst of requests cannot starve an earlier one.
type Gate struct {
	slots chan struct{}
	stop  chan struct{}
}

// ErrGateStopped is returned by Enter after the gate has been stopped.
var ErrGateStopped = errors.New("gate is stopped")

// NewGate returns a Gate which admits at most n entries at a time.
func NewGate(n int) *Gate {
	return &Gate{
		slots: make(chan struct{}, n),
		stop:  make(chan struct{}),
	}
}

// Enter blocks the calling goroutine until fewer than n goroutines are
// inside the gate, the context is done, or the gate is stopped. It
// returns nil exactly when the caller has been admitted; in that case
// the caller must balance it with a Leave(). It is safe to call from
// multiple goroutines.
func (g *Gate) Enter(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-g.stop:
		return ErrGateStopped
	}
}

// Leave marks the goroutine outside the critical section. Each
// successful Enter must be balanced by exactly one Leave. Enter and
// Leave do not need to be called from the same goroutine.
func (g *Gate) Leave() {
	<-g.slots
}

// Stop causes all current and future Enter calls to fail with
// ErrGateStopped. Goroutines already inside the gate are unaffected.
// Stop must be called at most once.
func (g *Gate) Stop() {
	close(g.stop)
}
