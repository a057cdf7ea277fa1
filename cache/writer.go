package cache

import "io"

// writer tracks bytes going into the cache so space is reserved as the
// data arrives rather than all at once at Close.
type writer struct {
	parent *LRU
	key    string
	w      io.WriteCloser
	size   int64
	err    error
}

func (w *writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if err := w.parent.reserve(int64(len(p))); err != nil {
		w.err = err
		return 0, err
	}
	n, err := w.w.Write(p)
	w.size += int64(n)
	if n < len(p) {
		// give back what was reserved but not written
		w.parent.reserve(int64(n - len(p)))
	}
	if err != nil {
		w.err = err
	}
	return n, err
}

// Close finishes the item and adds it to the usage list. If any write
// failed, the partial item is removed from the backing store and its
// reservation is returned.
func (w *writer) Close() error {
	err := w.w.Close()
	if w.err != nil || err != nil {
		w.parent.s.Delete(w.key)
		w.parent.reserve(-w.size)
		if w.err != nil {
			return w.err
		}
		return err
	}
	w.parent.m.Lock()
	w.parent.link(&entry{key: w.key, size: w.size})
	w.parent.m.Unlock()
	return nil
}
