// Package store provides a goroutine safe key-value interface for blob
// storage. Values are streams rather than byte slices, so large derived
// artifacts (video renditions, in particular) can be stored without
// buffering them whole.
//
// Keys are fingerprints or content hashes, so they are hex strings with
// no slashes. Blobs are immutable once created: a key may be deleted and
// then recreated, but never updated in place.
package store

import (
	"errors"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ReadAtCloser combines the io.ReaderAt and io.Closer interfaces.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer
}

// Store is the basic stream based key-value store. Create returns an
// error if the key already exists; blobs cannot be overwritten.
type Store interface {
	ROStore
	Create(key string) (io.WriteCloser, error)
	Delete(key string) error
}

// ROStore is the read-only part of a Store.
//
// Stat is the cheap existence check: it returns the size of the blob
// without touching the blob body, so cache lookups can be done without
// triggering a read from a slow backend. It returns ErrNotExist if the
// key is absent.
type ROStore interface {
	List() <-chan string
	ListPrefix(prefix string) ([]string, error)
	Stat(key string) (int64, error)
	Open(key string) (ReadAtCloser, int64, error)
}

var (
	// ErrKeyExists indicates an attempt to create a key which already exists.
	ErrKeyExists = errors.New("key already exists")

	// ErrNotExist indicates the key is not in the store.
	ErrNotExist = errors.New("key does not exist")

	// ErrBadKey means the key contains a slash, whitespace, control
	// characters, or invalid unicode.
	ErrBadKey = errors.New("malformed key")
)

// ValidKey checks a key against the character restrictions shared by
// every store implementation.
func ValidKey(key string) error {
	if key == "" || !utf8.ValidString(key) {
		return ErrBadKey
	}
	if strings.Contains(key, "/") {
		return ErrBadKey
	}
	for _, r := range key {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrBadKey
		}
	}
	return nil
}

// NewReader converts a ReaderAt into an io.Reader.
func NewReader(r io.ReaderAt) io.Reader {
	return &reader{r: r}
}

type reader struct {
	r   io.ReaderAt
	off int64
}

func (r *reader) Read(p []byte) (n int, err error) {
	n, err = r.r.ReadAt(p, r.off)
	r.off += int64(n)
	if err == io.EOF && n > 0 {
		// a short read is not an error for an io.Reader
		err = nil
	}
	return
}

// ReadAll is a convenience to slurp an entire blob into memory. Only use
// it for blobs known to be small (page renders, image variants).
func ReadAll(s ROStore, key string) ([]byte, error) {
	rc, size, err := s.Open(key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	buf := make([]byte, size)
	_, err = io.ReadFull(NewReader(rc), buf)
	return buf, err
}
