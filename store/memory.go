package store

import (
	"io"
	"strings"
	"sync"
)

// Memory is an in-memory Store. It is used for testing and for running
// the daemon with no durable storage at all.
type Memory struct {
	m     sync.RWMutex
	blobs map[string][]byte
	open  map[string]bool // keys with an unclosed writer
}

var _ Store = &Memory{}

// NewMemory returns a new, empty memory store.
func NewMemory() *Memory {
	return &Memory{
		blobs: make(map[string][]byte),
		open:  make(map[string]bool),
	}
}

// List returns a channel giving every key in the store. The listing is
// a snapshot taken when List is called.
func (ms *Memory) List() <-chan string {
	ms.m.RLock()
	keys := make([]string, 0, len(ms.blobs))
	for k := range ms.blobs {
		keys = append(keys, k)
	}
	ms.m.RUnlock()
	c := make(chan string)
	go func() {
		for _, k := range keys {
			c <- k
		}
		close(c)
	}()
	return c
}

// ListPrefix returns the keys which begin with the given prefix.
func (ms *Memory) ListPrefix(prefix string) ([]string, error) {
	var result []string
	ms.m.RLock()
	for k := range ms.blobs {
		if strings.HasPrefix(k, prefix) {
			result = append(result, k)
		}
	}
	ms.m.RUnlock()
	return result, nil
}

// Stat returns the size of the blob under key, or ErrNotExist.
func (ms *Memory) Stat(key string) (int64, error) {
	ms.m.RLock()
	b, ok := ms.blobs[key]
	ms.m.RUnlock()
	if !ok {
		return 0, ErrNotExist
	}
	return int64(len(b)), nil
}

// Open returns a reader over the blob under key.
func (ms *Memory) Open(key string) (ReadAtCloser, int64, error) {
	ms.m.RLock()
	b, ok := ms.blobs[key]
	ms.m.RUnlock()
	if !ok {
		return nil, 0, ErrNotExist
	}
	return membuf(b), int64(len(b)), nil
}

// Create makes a new entry in the store. The blob is not visible to
// readers until the returned writer is closed.
func (ms *Memory) Create(key string) (io.WriteCloser, error) {
	if err := ValidKey(key); err != nil {
		return nil, err
	}
	ms.m.Lock()
	defer ms.m.Unlock()
	if _, ok := ms.blobs[key]; ok {
		return nil, ErrKeyExists
	}
	if ms.open[key] {
		return nil, ErrKeyExists
	}
	ms.open[key] = true
	return &memwriter{parent: ms, key: key}, nil
}

// Delete removes the given key. It is not an error if the key does not
// exist.
func (ms *Memory) Delete(key string) error {
	ms.m.Lock()
	delete(ms.blobs, key)
	ms.m.Unlock()
	return nil
}

type membuf []byte

func (b membuf) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	return n, nil
}

func (b membuf) Close() error { return nil }

type memwriter struct {
	parent *Memory
	key    string
	buf    []byte
}

func (w *memwriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *memwriter) Close() error {
	w.parent.m.Lock()
	w.parent.blobs[w.key] = w.buf
	delete(w.parent.open, w.key)
	w.parent.m.Unlock()
	return nil
}
