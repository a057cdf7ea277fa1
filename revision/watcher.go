package revision

import (
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher produces a stream of changed paths under the content root.
// The stream is lazy and unbounded; if the underlying handle dies the
// Events channel closes and the pipeline calls Start again.
type Watcher interface {
	Start() error
	Events() <-chan string
	Errors() <-chan error
	Close() error
}

// FSWatcher watches a directory tree with fsnotify. Subdirectories are
// added to the watch as they appear.
type FSWatcher struct {
	Root string

	w      *fsnotify.Watcher
	events chan string
	errs   chan error
}

var _ Watcher = &FSWatcher{}

// NewFSWatcher watches the tree rooted at root.
func NewFSWatcher(root string) *FSWatcher {
	return &FSWatcher{Root: root}
}

// Start opens the watch handle and registers every directory in the
// tree. It can be called again after a failure to get a fresh handle.
func (f *FSWatcher) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	err = filepath.Walk(f.Root, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return w.Add(p)
		}
		return nil
	})
	if err != nil {
		w.Close()
		return err
	}
	f.w = w
	f.events = make(chan string)
	f.errs = make(chan error)
	go f.pump()
	return nil
}

func (f *FSWatcher) Events() <-chan string { return f.events }
func (f *FSWatcher) Errors() <-chan error  { return f.errs }

// Close releases the watch handle.
func (f *FSWatcher) Close() error {
	if f.w == nil {
		return nil
	}
	return f.w.Close()
}

// pump converts fsnotify events into relative paths and keeps the
// directory watches current. It exits, closing the events channel, when
// the handle is closed or dies.
func (f *FSWatcher) pump() {
	defer close(f.events)
	for {
		select {
		case ev, ok := <-f.w.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := f.w.Add(ev.Name); err != nil {
						log.Printf("watch add %s: %s", ev.Name, err)
					}
				}
			}
			rel, err := filepath.Rel(f.Root, ev.Name)
			if err != nil {
				rel = ev.Name
			}
			f.events <- filepath.ToSlash(rel)
		case err, ok := <-f.w.Errors:
			if !ok {
				return
			}
			select {
			case f.errs <- err:
			default:
			}
		}
	}
}
