package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	raven "github.com/getsentry/raven-go"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/kilnworks/kiln/derive"
	"github.com/kilnworks/kiln/revision"
	"github.com/kilnworks/kiln/store"
)

// how long a /reload long poll waits before giving up with a 204
const reloadPollTimeout = 30 * time.Second

// AssetHandler handles requests to GET and HEAD /asset/:path. The query
// string selects the derivation: w, h, q, format. With no derivation
// parameters the source bytes are served as they are.
func (s *RESTServer) AssetHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	path := strings.TrimPrefix(ps.ByName("path"), "/")
	node := s.Revisions.Current().Node(path)
	if node == nil {
		w.WriteHeader(404)
		fmt.Fprintf(w, "cannot find %s", path)
		return
	}
	if node.Errored() {
		w.WriteHeader(502)
		fmt.Fprintf(w, "%s is unavailable: %s", path, node.Err)
		return
	}

	p, want := paramsFromQuery(r.URL.Query(), node.Kind)
	if !want {
		s.copySource(w, node)
		return
	}

	ref, err := s.Engine.Derive(r.Context(), node, p)
	if err != nil {
		xDeriveErrors.Add(1)
		cause := errors.Cause(err)
		switch cause {
		case derive.ErrAdmissionTimeout:
			w.WriteHeader(503)
		case derive.ErrUnknownTransform, derive.ErrNoClass:
			w.WriteHeader(400)
		default:
			if cause == r.Context().Err() {
				// the client went away; nothing to report
				return
			}
			log.Printf("derive %s: %s", path, err)
			raven.CaptureError(err, map[string]string{"path": path})
			w.WriteHeader(500)
		}
		fmt.Fprintln(w, err.Error())
		return
	}
	xDeriveHits.Add(1)
	s.serveArtifact(w, r, node, ref)
}

// copySource streams the node's source bytes, for assets requested
// without any derivation parameters.
func (s *RESTServer) copySource(w http.ResponseWriter, node *revision.ContentNode) {
	src, err := node.OpenSource()
	if err != nil {
		w.WriteHeader(500)
		fmt.Fprintln(w, err.Error())
		return
	}
	defer src.Close()
	w.Header().Set("ETag", `"`+node.Hash+`"`)
	io.Copy(w, src)
}

// serveArtifact sends the derived bytes, going through the local cache
// when one is configured. On a cache miss the bytes are teed into the
// cache while being served.
func (s *RESTServer) serveArtifact(w http.ResponseWriter, r *http.Request, node *revision.ContentNode, ref derive.ArtifactRef) {
	w.Header().Set("ETag", `"`+ref.Key+`"`)

	rac, size, err := s.Cache.Get(ref.Key)
	if err == nil && rac == nil {
		xDeriveMisses.Add(1)
		rac, size, err = s.Engine.Artifacts.Open(ref.Key)
		if err == nil {
			go s.copyToCache(ref.Key, size)
		}
	}
	if err != nil {
		log.Printf("open artifact %s: %s", ref.Key, err)
		raven.CaptureError(err, map[string]string{"key": ref.Key})
		w.WriteHeader(500)
		fmt.Fprintln(w, err.Error())
		return
	}
	defer rac.Close()
	http.ServeContent(w, r, node.Path, node.ModTime, io.NewSectionReader(rac, 0, size))
}

// copyToCache pulls an artifact from the primary store into the local
// cache. Errors only cost us the cached copy.
func (s *RESTServer) copyToCache(key string, size int64) {
	if s.Cache.Contains(key) {
		return
	}
	cw, err := s.Cache.Put(key)
	if err != nil {
		return
	}
	rac, _, err := s.Engine.Artifacts.Open(key)
	if err != nil {
		cw.Close()
		return
	}
	defer rac.Close()
	_, err = io.Copy(cw, store.NewReader(rac))
	if err != nil {
		log.Printf("cache copy %s: %s", key, err)
	}
	cw.Close()
}

// paramsFromQuery builds the derivation parameters from the query
// string. The second return is false when the query asks for no
// derivation at all.
func paramsFromQuery(q map[string][]string, kind revision.NodeKind) (derive.Params, bool) {
	first := func(name string) string {
		if v, ok := q[name]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}
	atoi := func(text string) int {
		n, _ := strconv.Atoi(text)
		return n
	}
	p := derive.Params{
		Format:  first("format"),
		Width:   atoi(first("w")),
		Height:  atoi(first("h")),
		Quality: atoi(first("q")),
	}
	switch kind {
	case revision.KindImage:
		p.Kind = "image"
	case revision.KindVideo:
		p.Kind = "video"
	case revision.KindPage:
		p.Kind = "render"
	}
	want := p.Kind != "" &&
		(p.Format != "" || p.Width > 0 || p.Height > 0 || p.Quality > 0)
	return p, want
}

// PageHandler handles GET /page/:path, serving the rendered body of a
// page node. A degraded page yields a placeholder rather than a hole.
func (s *RESTServer) PageHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	path := strings.TrimPrefix(ps.ByName("path"), "/")
	node := s.Revisions.Current().Node(path)
	if node == nil {
		w.WriteHeader(404)
		fmt.Fprintf(w, "cannot find %s", path)
		return
	}
	if node.Errored() {
		w.WriteHeader(502)
		fmt.Fprintf(w, "this page is temporarily unavailable (%s)", node.Err)
		return
	}
	if node.Kind != revision.KindPage {
		w.WriteHeader(400)
		fmt.Fprintf(w, "%s is not a page", path)
		return
	}
	xPagesServed.Add(1)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("ETag", `"`+node.Hash+`"`)
	if len(node.Rendered) > 0 {
		w.Write(node.Rendered)
		return
	}
	s.copySource(w, node)
}

// NodeInfoHandler handles GET /node/:path, returning the metadata for
// one content node as JSON.
func (s *RESTServer) NodeInfoHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	path := strings.TrimPrefix(ps.ByName("path"), "/")
	node := s.Revisions.Current().Node(path)
	if node == nil {
		w.WriteHeader(404)
		fmt.Fprintf(w, "cannot find %s", path)
		return
	}
	writeJSON(w, map[string]interface{}{
		"path":     node.Path,
		"hash":     node.Hash,
		"size":     node.Size,
		"mod_time": node.ModTime,
		"kind":     node.Kind,
		"errored":  node.Errored(),
		"error":    node.Err,
	})
}

// RevisionHandler handles GET /revision, summarizing the published
// revision and the pipeline's state.
func (s *RESTServer) RevisionHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	rev := s.Revisions.Current()
	writeJSON(w, map[string]interface{}{
		"seq":      rev.Seq,
		"created":  rev.Created,
		"nodes":    rev.Len(),
		"errored":  rev.NErrored(),
		"state":    revision.StateName(s.Revisions.State()),
		"inflight": s.Engine.Inflight(),
	})
}

// RebuildHandler handles POST /rebuild. The rebuild is asynchronous;
// poll /revision or long-poll /reload for the result.
func (s *RESTServer) RebuildHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.Revisions.Trigger()
	w.WriteHeader(202)
	fmt.Fprintln(w, "rebuild scheduled")
}

// ReloadHandler handles GET /reload, a long poll that returns when a
// revision newer than ?seq= is published (204 on timeout). Browsers use
// it for live reload during editing.
func (s *RESTServer) ReloadHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var since int64 = -1
	if text := r.URL.Query().Get("seq"); text != "" {
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			w.WriteHeader(400)
			fmt.Fprintln(w, "bad seq")
			return
		}
		since = n
	}
	if rev := s.Revisions.Current(); rev.Seq > since && since >= 0 {
		writeJSON(w, map[string]interface{}{"seq": rev.Seq})
		return
	}

	sub := s.Revisions.Subscribe()
	defer s.Revisions.Unsubscribe(sub)
	select {
	case seq := <-sub:
		writeJSON(w, map[string]interface{}{"seq": seq})
	case <-r.Context().Done():
	case <-time.After(reloadPollTimeout):
		w.WriteHeader(204)
	}
}

// ListArtifactsHandler handles GET /artifacts, returning the accounting
// rows from the index, newest first. ?limit= caps the count (default
// 1000).
func (s *RESTServer) ListArtifactsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	limit := 1000
	if text := r.URL.Query().Get("limit"); text != "" {
		n, err := strconv.Atoi(text)
		if err != nil || n <= 0 {
			w.WriteHeader(400)
			fmt.Fprintln(w, "bad limit")
			return
		}
		limit = n
	}
	rows, err := s.Index.ListArtifacts(limit)
	if err != nil {
		log.Printf("list artifacts: %s", err)
		w.WriteHeader(500)
		fmt.Fprintln(w, err.Error())
		return
	}
	var total int64
	for _, row := range rows {
		total += row.Size
	}
	writeJSON(w, map[string]interface{}{
		"count":       len(rows),
		"total_bytes": total,
		"artifacts":   rows,
	})
}

// ArtifactInfoHandler handles GET /artifacts/:key.
func (s *RESTServer) ArtifactInfoHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key := ps.ByName("key")
	row, err := s.Index.ArtifactInfo(key)
	if err != nil {
		log.Printf("artifact info %s: %s", key, err)
		w.WriteHeader(500)
		fmt.Fprintln(w, err.Error())
		return
	}
	if row == nil {
		w.WriteHeader(404)
		fmt.Fprintf(w, "cannot find %s", key)
		return
	}
	writeJSON(w, row)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Println(err)
	}
}
