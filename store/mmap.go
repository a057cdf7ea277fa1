package store

import (
	"io"
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// mmapReader serves ReadAt from a read-only memory mapping of the blob
// file. The file handle is kept open until Close so the mapping stays
// valid even if the blob is deleted underneath us.
type mmapReader struct {
	f    *os.File
	m    mmap.MMap
	size int64
}

func openMmap(f *os.File, size int64) (ReadAtCloser, error) {
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return &mmapReader{f: f, m: m, size: size}, nil
}

func (r *mmapReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.size {
		return 0, io.EOF
	}
	n := copy(p, r.m[off:])
	var err error
	if int64(n)+off == r.size && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (r *mmapReader) Close() error {
	err := r.m.Unmap()
	if err2 := r.f.Close(); err == nil {
		err = err2
	}
	return err
}
