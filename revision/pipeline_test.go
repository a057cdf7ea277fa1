package revision

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0775); err != nil {
		t.Fatalf("received %s", err.Error())
	}
	if err := ioutil.WriteFile(abs, []byte(content), 0666); err != nil {
		t.Fatalf("received %s", err.Error())
	}
}

func newTestTree(t *testing.T) string {
	t.Helper()
	root, err := ioutil.TempDir("", "kiln-rev-")
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	writeFile(t, root, "index.md", "# hello")
	writeFile(t, root, "about.md", "# about")
	writeFile(t, root, "img/logo.png", "not really a png")
	writeFile(t, root, "media/intro.mp4", "not really a video")
	return root
}

func TestLoadPublishesRevisionZero(t *testing.T) {
	root := newTestTree(t)
	defer os.RemoveAll(root)

	p := &Pipeline{Root: root}
	if err := p.Load(); err != nil {
		t.Fatalf("received %s", err.Error())
	}
	rev := p.Current()
	if rev.Seq != 0 {
		t.Errorf("Received seq %d, expected %d", rev.Seq, 0)
	}
	if rev.Len() != 4 {
		t.Errorf("Received %d nodes, expected %d", rev.Len(), 4)
	}
	if p.State() != StateReady {
		t.Errorf("Received state %s, expected %s", StateName(p.State()), StateName(StateReady))
	}

	n := rev.Node("img/logo.png")
	if n == nil {
		t.Fatalf("img/logo.png missing from revision")
	}
	if n.Kind != KindImage {
		t.Errorf("Received kind %s, expected %s", n.Kind, KindImage)
	}
	if len(n.Hash) != 64 {
		t.Errorf("Received hash %q, expected a sha256 hex string", n.Hash)
	}
	if rev.Node("media/intro.mp4").Kind != KindVideo {
		t.Errorf("intro.mp4 not classified as video")
	}
	if rev.Node("index.md").Kind != KindPage {
		t.Errorf("index.md not classified as page")
	}
}

func TestLoadFatalOnMissingRoot(t *testing.T) {
	p := &Pipeline{Root: "/nonexistent/kiln-test-root"}
	if err := p.Load(); err == nil {
		t.Errorf("expected an error for a missing content root")
	}
	if p.State() != StateStopped {
		t.Errorf("Received state %s, expected %s", StateName(p.State()), StateName(StateStopped))
	}
}

func TestRebuildSharesUnchangedNodes(t *testing.T) {
	root := newTestTree(t)
	defer os.RemoveAll(root)

	p := &Pipeline{Root: root}
	if err := p.Load(); err != nil {
		t.Fatalf("received %s", err.Error())
	}
	rev0 := p.Current()

	writeFile(t, root, "index.md", "# hello, but longer now")
	writeFile(t, root, "new.md", "# brand new")
	p.rebuild()

	rev1 := p.Current()
	if rev1.Seq != 1 {
		t.Errorf("Received seq %d, expected %d", rev1.Seq, 1)
	}
	if rev1.Len() != 5 {
		t.Errorf("Received %d nodes, expected %d", rev1.Len(), 5)
	}

	// unchanged nodes are the same objects, not copies
	if rev1.Node("about.md") != rev0.Node("about.md") {
		t.Errorf("unchanged node was recomputed")
	}
	// the modified node is new, with a new identity
	if rev1.Node("index.md") == rev0.Node("index.md") {
		t.Errorf("modified node was shared")
	}
	if rev1.Node("index.md").Hash == rev0.Node("index.md").Hash {
		t.Errorf("modified node kept the old source identity")
	}
}

func TestRebuildRemovesDeletedNodes(t *testing.T) {
	root := newTestTree(t)
	defer os.RemoveAll(root)

	p := &Pipeline{Root: root}
	if err := p.Load(); err != nil {
		t.Fatalf("received %s", err.Error())
	}
	os.Remove(filepath.Join(root, "about.md"))
	p.rebuild()

	if n := p.Current().Node("about.md"); n != nil {
		t.Errorf("deleted file still present in new revision")
	}
}

func TestReaderKeepsSnapshot(t *testing.T) {
	root := newTestTree(t)
	defer os.RemoveAll(root)

	p := &Pipeline{Root: root}
	if err := p.Load(); err != nil {
		t.Fatalf("received %s", err.Error())
	}

	// a reader captures the revision before the rebuild
	reader := p.Current()
	oldHash := reader.Node("index.md").Hash

	writeFile(t, root, "index.md", "# rewritten from under the reader")
	p.rebuild()

	// the reader's snapshot is untouched
	if got := reader.Node("index.md").Hash; got != oldHash {
		t.Errorf("reader observed a mix of revisions")
	}
	if reader.Node("new.md") != nil {
		t.Errorf("reader observed a node from a later revision")
	}
	// fresh readers see the new revision
	if p.Current().Node("index.md").Hash == oldHash {
		t.Errorf("publish did not take effect")
	}
}

func TestPartialFailureContainment(t *testing.T) {
	root := newTestTree(t)
	defer os.RemoveAll(root)

	p := &Pipeline{
		Root: root,
		Loader: func(n *ContentNode, data []byte) error {
			if n.Path == "about.md" {
				return errors.New("frontmatter is garbage")
			}
			return nil
		},
	}
	if err := p.Load(); err != nil {
		t.Fatalf("received %s", err.Error())
	}

	rev := p.Current()
	if rev.NErrored() != 1 {
		t.Errorf("Received %d errored nodes, expected %d", rev.NErrored(), 1)
	}
	bad := rev.Node("about.md")
	if bad == nil || !bad.Errored() {
		t.Fatalf("about.md should be present but errored")
	}
	// the rest of the tree is fine
	if rev.Node("index.md").Errored() {
		t.Errorf("healthy node marked errored")
	}

	// updates elsewhere still flow through on rebuild
	writeFile(t, root, "index.md", "# updated while about.md is broken")
	p.rebuild()
	rev = p.Current()
	if rev.Seq != 1 {
		t.Errorf("Received seq %d, expected %d", rev.Seq, 1)
	}
	if rev.Node("index.md").Errored() {
		t.Errorf("healthy node marked errored after rebuild")
	}
	if !rev.Node("about.md").Errored() {
		t.Errorf("errored node lost its marker")
	}
}

// fakeWatcher feeds scripted events to the pipeline.
type fakeWatcher struct {
	events chan string
	errs   chan error
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{events: make(chan string), errs: make(chan error)}
}

func (f *fakeWatcher) Start() error          { return nil }
func (f *fakeWatcher) Events() <-chan string { return f.events }
func (f *fakeWatcher) Errors() <-chan error  { return f.errs }
func (f *fakeWatcher) Close() error          { return nil }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDebounceCoalescesBurst(t *testing.T) {
	root := newTestTree(t)
	defer os.RemoveAll(root)

	mock := clock.NewMock()
	w := newFakeWatcher()
	p := &Pipeline{
		Root:     root,
		Source:   w,
		Clock:    mock,
		Debounce: 100 * time.Millisecond,
	}
	if err := p.Load(); err != nil {
		t.Fatalf("received %s", err.Error())
	}
	published := p.Subscribe()
	p.Watch()
	defer p.Stop()

	// a burst of notifications, as from an editor saving many files
	for i := 0; i < 10; i++ {
		w.events <- "index.md"
	}
	// nothing rebuilds during the quiet period
	if seq := p.Current().Seq; seq != 0 {
		t.Errorf("Received seq %d before debounce elapsed, expected %d", seq, 0)
	}

	mock.Add(150 * time.Millisecond)
	select {
	case seq := <-published:
		if seq != 1 {
			t.Errorf("Received seq %d, expected %d", seq, 1)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no revision published after debounce")
	}

	// the whole burst produced exactly one rebuild
	if seq := p.Current().Seq; seq != 1 {
		t.Errorf("Received seq %d, expected %d", seq, 1)
	}
}

func TestTriggerRebuild(t *testing.T) {
	root := newTestTree(t)
	defer os.RemoveAll(root)

	p := &Pipeline{Root: root, Debounce: time.Millisecond}
	if err := p.Load(); err != nil {
		t.Fatalf("received %s", err.Error())
	}
	p.Watch()
	defer p.Stop()

	writeFile(t, root, "new.md", "# added by hand")
	p.Trigger()
	waitFor(t, "triggered rebuild", func() bool {
		return p.Current().Seq == 1
	})
	if p.Current().Node("new.md") == nil {
		t.Errorf("new file missing after triggered rebuild")
	}
}
