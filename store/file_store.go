package store

import (
	"io"
	"log"
	"os"
	"path"
	"path/filepath"

	raven "github.com/getsentry/raven-go"
)

// FileSystem is a Store backed by a directory tree. Keys are file names,
// bucketed into two levels of subdirectories by their first characters so
// a large artifact cache does not put millions of entries in one
// directory.
//
// New blobs are written to a scratch directory and renamed into place on
// Close, so readers never observe a partially written blob.
type FileSystem struct {
	root string

	// UseMmap makes Open return memory-mapped readers for blobs at
	// least MmapThreshold bytes long. Transcoded video is read with a
	// lot of small ReadAt calls when serving range requests, and mmap
	// is much cheaper for that access pattern.
	UseMmap       bool
	MmapThreshold int64
}

const (
	// where blobs live while they are being written
	scratchdir = "scratch"

	defaultMmapThreshold = 4 * 1024 * 1024
)

var _ Store = &FileSystem{}

// NewFileSystem creates a FileSystem store rooted at the given path.
func NewFileSystem(root string) *FileSystem {
	return &FileSystem{root: root, MmapThreshold: defaultMmapThreshold}
}

// List returns a channel over every key in this store.
func (s *FileSystem) List() <-chan string {
	c := make(chan string)
	go walkTree(c, s.root, 0)
	return c
}

// walkTree does a depth first walk emitting file names on out. Only
// directories are opened and files are never read, since stat is all we
// need. If level is 0 the channel is closed when the walk finishes.
func walkTree(out chan<- string, root string, level int) {
	if level == 0 {
		defer close(out)
	}
	f, err := os.Open(root)
	if err != nil {
		log.Println(err)
		raven.CaptureError(err, nil)
		return
	}
	defer f.Close()
	for {
		entries, err := f.Readdir(1000)
		if err == io.EOF {
			return
		} else if err != nil {
			log.Println(err)
			raven.CaptureError(err, nil)
			return
		}
		for _, e := range entries {
			if e.IsDir() {
				if level < 2 && e.Name() != scratchdir {
					walkTree(out, filepath.Join(root, e.Name()), level+1)
				}
				continue
			}
			if level != 2 {
				continue
			}
			out <- e.Name()
		}
	}
}

// ListPrefix returns the keys beginning with the given prefix.
func (s *FileSystem) ListPrefix(prefix string) ([]string, error) {
	var glob string
	switch len(prefix) {
	case 0:
		glob = "*/*"
	case 1:
		glob = prefix + "*/*"
	case 2:
		glob = prefix[0:2] + "/*"
	case 3:
		glob = prefix[0:2] + "/" + prefix[2:3] + "*"
	default:
		glob = prefix[0:2] + "/" + prefix[2:4]
	}
	glob = filepath.Join(s.root, glob, prefix+"*")
	result, err := filepath.Glob(glob)
	if err == nil {
		for i := range result {
			result[i] = path.Base(result[i])
		}
	}
	return result, err
}

// Stat returns the size of the blob under key without opening it.
func (s *FileSystem) Stat(key string) (int64, error) {
	if err := ValidKey(key); err != nil {
		return 0, err
	}
	fi, err := os.Stat(filepath.Join(s.root, keySubdir(key), key))
	if err != nil {
		if os.IsNotExist(err) {
			err = ErrNotExist
		}
		return 0, err
	}
	return fi.Size(), nil
}

// Open returns a reader for the given blob along with its size.
func (s *FileSystem) Open(key string) (ReadAtCloser, int64, error) {
	if err := ValidKey(key); err != nil {
		return nil, 0, err
	}
	fname := filepath.Join(s.root, keySubdir(key), key)
	f, err := os.Open(fname)
	if err != nil {
		if os.IsNotExist(err) {
			err = ErrNotExist
		}
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	size := fi.Size()
	if s.UseMmap && size >= s.MmapThreshold {
		m, err := openMmap(f, size)
		if err == nil {
			return m, size, nil
		}
		// fall back to the plain file handle
		log.Printf("mmap %s: %s", key, err)
	}
	return f, size, nil
}

// Create makes a new blob with the given key and returns a writer to
// fill it. The data lands in the scratch directory until Close.
func (s *FileSystem) Create(key string) (io.WriteCloser, error) {
	if err := ValidKey(key); err != nil {
		return nil, err
	}
	target, err := s.mkSubdir(keySubdir(key), key)
	if err != nil {
		return nil, err
	}
	_, err = os.Stat(target)
	if !os.IsNotExist(err) {
		return nil, ErrKeyExists
	}
	temp, err := s.mkSubdir(scratchdir, key)
	if err != nil {
		return nil, err
	}
	// O_EXCL so two concurrent Creates cannot share a scratch file
	w, err := os.OpenFile(temp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return nil, err
	}
	return &moveCloser{w, temp, target}, nil
}

func (s *FileSystem) mkSubdir(subdir, key string) (string, error) {
	dir := filepath.Join(s.root, subdir)
	err := os.MkdirAll(dir, 0775)
	return filepath.Join(dir, key), err
}

// moveCloser renames the scratch file into its final location on Close.
type moveCloser struct {
	io.WriteCloser
	source string
	target string
}

func (w *moveCloser) Close() error {
	err := w.WriteCloser.Close()
	if err != nil {
		return err
	}
	_, err = os.Stat(w.target)
	if !os.IsNotExist(err) {
		os.Remove(w.source)
		return ErrKeyExists
	}
	return os.Rename(w.source, w.target)
}

// Delete the given key. It is not an error if the key doesn't exist.
func (s *FileSystem) Delete(key string) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.root, keySubdir(key), key))
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	return err
}

// keySubdir returns the bucket directory for a key,
// e.g. "abcd1234" gives "ab/cd/".
func keySubdir(key string) string {
	switch len(key) {
	case 0:
		return "./"
	case 1, 2:
		return key + "/"
	case 3:
		return key[0:2] + "/" + key[2:3] + "/"
	default:
		return key[0:2] + "/" + key[2:4] + "/"
	}
}
