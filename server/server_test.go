package server

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kilnworks/kiln/cache"
	"github.com/kilnworks/kiln/derive"
	"github.com/kilnworks/kiln/revision"
	"github.com/kilnworks/kiln/store"
)

func TestWelcome(t *testing.T) {
	text := getbody(t, "GET", "/", 200)
	if !strings.HasPrefix(text, "Kiln") {
		t.Fatalf("Received %#v, expected a greeting", text)
	}
}

func TestAssetRaw(t *testing.T) {
	text := getbody(t, "GET", "/asset/img/logo.png", 200)
	if text != "logo bytes" {
		t.Fatalf("Received %#v, expected %#v", text, "logo bytes")
	}
	checkStatus(t, "GET", "/asset/img/missing.png", 404)
}

func TestAssetDerivation(t *testing.T) {
	before := testTransform.count()
	text := getbody(t, "GET", "/asset/img/logo.png?w=100", 200)
	if text != "derived w=100 LOGO BYTES" {
		t.Fatalf("Received %#v, expected %#v", text, "derived w=100 LOGO BYTES")
	}
	// same variant again is a cache hit, not a second computation
	text = getbody(t, "GET", "/asset/img/logo.png?w=100", 200)
	if text != "derived w=100 LOGO BYTES" {
		t.Fatalf("Received %#v, expected %#v", text, "derived w=100 LOGO BYTES")
	}
	if got := testTransform.count() - before; got != 1 {
		t.Errorf("Received %d computations, expected %d", got, 1)
	}
	// a different width is a different artifact
	text = getbody(t, "GET", "/asset/img/logo.png?w=200", 200)
	if text != "derived w=200 LOGO BYTES" {
		t.Fatalf("Received %#v, expected %#v", text, "derived w=200 LOGO BYTES")
	}
}

func TestPage(t *testing.T) {
	text := getbody(t, "GET", "/page/index.md", 200)
	if text != "<h1>index</h1>" {
		t.Fatalf("Received %#v, expected %#v", text, "<h1>index</h1>")
	}
	checkStatus(t, "GET", "/page/img/logo.png", 400)
	checkStatus(t, "GET", "/page/nothing.md", 404)
}

func TestNodeInfo(t *testing.T) {
	text := getbody(t, "GET", "/node/index.md", 200)
	if !strings.Contains(text, `"kind": "page"`) {
		t.Errorf("Received %#v, expected a kind field", text)
	}
	if !strings.Contains(text, `"hash"`) {
		t.Errorf("Received %#v, expected a hash field", text)
	}
	checkStatus(t, "GET", "/node/nothing.md", 404)
}

func TestRevisionStatus(t *testing.T) {
	text := getbody(t, "GET", "/revision", 200)
	if !strings.Contains(text, `"seq"`) {
		t.Errorf("Received %#v, expected a seq field", text)
	}
	if !strings.Contains(text, `"state"`) {
		t.Errorf("Received %#v, expected a state field", text)
	}
}

func TestRebuildAndReload(t *testing.T) {
	startSeq := testPipeline.Current().Seq

	abs := filepath.Join(testRoot, "added.md")
	if err := ioutil.WriteFile(abs, []byte("# added"), 0666); err != nil {
		t.Fatalf("received %s", err.Error())
	}
	checkStatus(t, "POST", "/rebuild", 202)

	// the long poll returns once the rebuild publishes
	text := getbody(t, "GET", fmt.Sprintf("/reload?seq=%d", startSeq), 200)
	if !strings.Contains(text, `"seq"`) {
		t.Errorf("Received %#v, expected a seq field", text)
	}
	if testPipeline.Current().Node("added.md") == nil {
		t.Errorf("added.md missing after rebuild")
	}
	checkStatus(t, "GET", "/reload?seq=bogus", 400)
}

func TestArtifactAccounting(t *testing.T) {
	// derive something so the index has at least one row
	checkStatus(t, "GET", "/asset/img/logo.png?w=64", 200)

	text := getbody(t, "GET", "/artifacts", 200)
	if !strings.Contains(text, `"total_bytes"`) {
		t.Errorf("Received %#v, expected a total_bytes field", text)
	}

	node := testPipeline.Current().Node("img/logo.png")
	key := derive.Fingerprint(node.SourceID(), derive.Params{Kind: "image", Width: 64})
	text = getbody(t, "GET", "/artifacts/"+key, 200)
	if !strings.Contains(text, key) {
		t.Errorf("Received %#v, expected key %s", text, key)
	}
	checkStatus(t, "GET", "/artifacts/nosuchkey", 404)
	checkStatus(t, "GET", "/artifacts?limit=bogus", 400)
}

// countingTransform is a fake image encoder that records how many times
// it ran.
type countingTransform struct {
	m sync.Mutex
	n int
}

func (c *countingTransform) Kind() string  { return "image" }
func (c *countingTransform) Class() string { return "image" }

func (c *countingTransform) Run(ctx context.Context, src io.Reader, p derive.Params) ([]byte, error) {
	c.m.Lock()
	c.n++
	c.m.Unlock()
	data, err := ioutil.ReadAll(src)
	if err != nil {
		return nil, err
	}
	out := fmt.Sprintf("derived w=%d %s", p.Width, strings.ToUpper(string(data)))
	return []byte(out), nil
}

func (c *countingTransform) count() int {
	c.m.Lock()
	defer c.m.Unlock()
	return c.n
}

func getbody(t *testing.T, verb, route string, expstatus int) string {
	resp := checkRoute(t, verb, route, expstatus)
	if resp != nil {
		body, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			t.Fatal(route, err)
		}
		resp.Body.Close()
		return string(body)
	}
	return ""
}

func checkStatus(t *testing.T, verb, route string, expstatus int) {
	resp := checkRoute(t, verb, route, expstatus)
	if resp != nil {
		resp.Body.Close()
	}
}

func checkRoute(t *testing.T, verb, route string, expstatus int) *http.Response {
	req, err := http.NewRequest(verb, testServer.URL+route, nil)
	if err != nil {
		t.Fatal("Problem creating request", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(route, err)
		return nil
	}
	if resp.StatusCode != expstatus {
		t.Errorf("%s: Expected status %d and received %d",
			route,
			expstatus,
			resp.StatusCode)
		resp.Body.Close()
		return nil
	}
	return resp
}

var (
	testServer    *httptest.Server
	testRoot      string
	testPipeline  *revision.Pipeline
	testTransform = &countingTransform{}
)

func init() {
	var err error
	testRoot, err = ioutil.TempDir("", "kiln-server-")
	if err != nil {
		panic(err)
	}
	mustWrite := func(rel, content string) {
		abs := filepath.Join(testRoot, rel)
		os.MkdirAll(filepath.Dir(abs), 0775)
		if err := ioutil.WriteFile(abs, []byte(content), 0666); err != nil {
			panic(err)
		}
	}
	mustWrite("index.md", "# index")
	mustWrite("img/logo.png", "logo bytes")

	testPipeline = &revision.Pipeline{
		Root:     testRoot,
		Debounce: time.Millisecond,
		Loader: func(n *revision.ContentNode, data []byte) error {
			if n.Kind != revision.KindPage {
				return nil
			}
			title := strings.TrimSpace(strings.TrimPrefix(string(data), "#"))
			n.Rendered = []byte("<h1>" + title + "</h1>")
			return nil
		},
	}
	if err := testPipeline.Load(); err != nil {
		panic(err)
	}
	testPipeline.Watch()

	pool := derive.NewPool()
	pool.SetClass("image", 2)
	engine := &derive.Engine{
		Artifacts: store.NewMemory(),
		Pool:      pool,
	}
	engine.Register(testTransform)

	index, err := NewQlIndex("memory")
	if err != nil {
		panic(err)
	}
	engine.Index = index

	s := &RESTServer{
		Engine:    engine,
		Revisions: testPipeline,
		Cache:     cache.Empty{},
		Index:     index,
	}
	testServer = httptest.NewServer(s.addRoutes())
}
