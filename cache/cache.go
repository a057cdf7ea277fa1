// Package cache implements a size-bounded local cache for derived
// artifacts. It is backed by a store, so it can be entirely in memory or
// kept on local disk in front of a remote object store.
//
// The cached bytes live in the store; the usage list is kept only in
// memory. On startup Scan() enumerates the store to repopulate the list
// in an undetermined order. Replacement is LRU.
package cache

import (
	"errors"
	"io"
	"sync"

	"github.com/kilnworks/kiln/store"
)

// Cache is the interface the serving layer uses. Contains/Get/Put plus
// nothing else, so a no-op implementation can stand in when the primary
// store is already local.
type Cache interface {
	Contains(key string) bool
	Get(key string) (store.ReadAtCloser, int64, error)
	Put(key string) (io.WriteCloser, error)
}

// ErrCacheFull means an item cannot fit even after evicting everything.
var ErrCacheFull = errors.New("cache is full and no more items can be removed")

// LRU is a Cache with least-recently-used eviction.
type LRU struct {
	s store.Store

	m sync.Mutex // protects everything below

	size    int64 // total bytes used by cached items
	maxSize int64 // the most bytes we may use

	// doubly linked usage list, most recent first, with a key index
	front *entry
	back  *entry
	index map[string]*entry
}

type entry struct {
	key        string
	size       int64
	prev, next *entry
}

var _ Cache = &LRU{}

// NewLRU creates a cache storing at most maxSize bytes in s. The store
// may already hold items; call Scan (inline or in a goroutine) to adopt
// them into the usage list.
func NewLRU(s store.Store, maxSize int64) *LRU {
	return &LRU{s: s, maxSize: maxSize, index: make(map[string]*entry)}
}

// Scan enumerates the backing store and adopts every item found. Items
// too big for the cache are deleted. Blocks until finished.
func (t *LRU) Scan() {
	for key := range t.s.List() {
		if t.Contains(key) {
			continue
		}
		size, err := t.s.Stat(key)
		if err != nil {
			continue
		}
		if err := t.reserve(size); err != nil {
			// this item is too big for the cache
			t.s.Delete(key)
			continue
		}
		t.m.Lock()
		t.link(&entry{key: key, size: size})
		t.m.Unlock()
	}
}

// Contains returns true if the given item is in the cache. It does not
// update the LRU list, and does not guarantee the item will still be
// present when Get is called.
func (t *LRU) Contains(key string) bool {
	t.m.Lock()
	_, ok := t.index[key]
	t.m.Unlock()
	return ok
}

// Get returns a reader for the given item, or a nil reader if the item
// is not cached. (A missing item is not an error; check the reader.)
func (t *LRU) Get(key string) (store.ReadAtCloser, int64, error) {
	t.m.Lock()
	e, ok := t.index[key]
	if ok {
		t.unlink(e)
		t.link(e) // move to front
	}
	t.m.Unlock()
	if !ok {
		return nil, 0, nil
	}
	return t.s.Open(key)
}

// Put returns a WriteCloser which saves what is written into the cache
// under key. Items are evicted as data is written; the new item joins
// the usage list when the writer is closed. Only one writer per key may
// be active, and a key already cached cannot be Put again until evicted.
func (t *LRU) Put(key string) (io.WriteCloser, error) {
	w, err := t.s.Create(key)
	if err != nil {
		return nil, err
	}
	return &writer{parent: t, key: key, w: w}, nil
}

// reserve space for size bytes, evicting LRU items as needed. A negative
// size cancels a previous reservation. Nothing is reserved on error.
func (t *LRU) reserve(size int64) error {
	t.m.Lock()
	defer t.m.Unlock()
	t.size += size
	for t.size > t.maxSize {
		e := t.back
		if e == nil {
			t.size -= size
			return ErrCacheFull
		}
		if err := t.s.Delete(e.key); err != nil {
			t.size -= size
			return err
		}
		t.unlink(e)
		t.size -= e.size
	}
	return nil
}

// link adds e at the front of the usage list. Caller holds t.m.
func (t *LRU) link(e *entry) {
	e.prev = nil
	e.next = t.front
	if t.front != nil {
		t.front.prev = e
	}
	t.front = e
	if t.back == nil {
		t.back = e
	}
	t.index[e.key] = e
}

// unlink removes e from the usage list. Caller holds t.m.
func (t *LRU) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		t.front = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		t.back = e.prev
	}
	delete(t.index, e.key)
}

// Size returns the bytes currently accounted to the cache.
func (t *LRU) Size() int64 {
	t.m.Lock()
	defer t.m.Unlock()
	return t.size
}
