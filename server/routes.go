package server

import (
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // for pprof server
	"os"
	"path/filepath"

	"github.com/facebookgo/httpdown"
	"github.com/facebookgo/stats"
	"github.com/julienschmidt/httprouter"

	"github.com/kilnworks/kiln/cache"
	"github.com/kilnworks/kiln/derive"
	"github.com/kilnworks/kiln/revision"
	"github.com/kilnworks/kiln/store"
)

// Version is set by the build.
var Version = "dev"

// RESTServer holds the configuration for a kiln serving daemon.
//
// Set the public fields and then call Run. Run listens on the given port
// and serves pages and derived media from the current revision. Do not
// change any fields after calling Run.
type RESTServer struct {
	// Port number to listen on. Defaults to 15000.
	PortNumber string
	PProfPort  string

	// Engine performs derivations. Run panics if it is nil.
	Engine *derive.Engine

	// Revisions owns the published content snapshot. Run panics if it
	// is nil.
	Revisions *revision.Pipeline

	// CacheDir is where the local artifact cache and the embedded
	// database live. If empty, the cache is disabled and the database
	// is kept in memory.
	CacheDir  string
	CacheSize int64 // in bytes

	// Pass a dial string to use a MySQL server for the artifact index.
	// Otherwise the lightweight embedded database is used, stored in
	// CacheDir (or memory when CacheDir is empty).
	// e.g. "user:password@tcp(localhost:5555)/dbname"
	MySQL string

	// Cache fronts the artifact store when serving. If nil one is
	// built from CacheDir/CacheSize.
	Cache cache.Cache

	// Index records stored artifacts. If nil one is built per MySQL /
	// CacheDir above.
	Index ArtifactDB

	// Stats receives HTTP serving metrics. May be nil.
	Stats stats.Client

	server httpdown.Server
}

// request counters published via /debug/vars
var (
	xDeriveHits   = expvar.NewInt("derive.hits")
	xDeriveMisses = expvar.NewInt("derive.misses")
	xDeriveErrors = expvar.NewInt("derive.errors")
	xPagesServed  = expvar.NewInt("pages.served")
)

// Run initializes the caches and the index database, starts the revision
// watcher, and then blocks serving HTTP.
func (s *RESTServer) Run() error {
	log.Println("==========")
	log.Printf("Starting Kiln Server version %s", Version)
	log.Printf("CacheDir = %s", s.CacheDir)
	log.Printf("CacheSize = %d", s.CacheSize)

	if s.Engine == nil {
		panic("No derivation engine given. Engine is nil.")
	}
	if s.Revisions == nil {
		panic("No revision pipeline given. Revisions is nil.")
	}

	if s.Index == nil {
		var err error
		if s.MySQL != "" {
			log.Printf("Using MySQL")
			s.Index, err = NewMysqlIndex(s.MySQL)
		} else {
			path := "memory"
			if s.CacheDir != "" {
				path = filepath.Join(s.CacheDir, "kiln.ql")
			}
			log.Printf("Using internal database at %s", path)
			s.Index, err = NewQlIndex(path)
		}
		if err != nil {
			panic("problem setting up database: " + err.Error())
		}
	}
	if s.Engine.Index == nil {
		s.Engine.Index = s.Index
	}

	if s.Cache == nil {
		if s.CacheDir == "" || s.CacheSize == 0 {
			log.Println("Not using artifact cache")
			s.Cache = cache.Empty{}
		} else {
			path := filepath.Join(s.CacheDir, "artifacts")
			os.MkdirAll(path, 0755)
			c := cache.NewLRU(store.NewFileSystem(path), s.CacheSize)
			go c.Scan()
			s.Cache = c
		}
	}

	if s.PProfPort != "" {
		log.Println("Starting PProf on port", s.PProfPort)
		go func() {
			log.Println(http.ListenAndServe(":"+s.PProfPort, nil))
		}()
	}

	if s.PortNumber == "" {
		s.PortNumber = "15000"
	}
	log.Println("Listening on", s.PortNumber)

	s.Revisions.Watch()

	h := httpdown.HTTP{Stats: s.Stats}
	var err error
	s.server, err = h.ListenAndServe(&http.Server{
		Addr:    ":" + s.PortNumber,
		Handler: s.addRoutes(),
	})
	if err != nil {
		log.Println(err)
		return err
	}
	return s.server.Wait()
}

// Stop shuts down the HTTP listener and the revision watcher.
func (s *RESTServer) Stop() error {
	s.Revisions.Stop()
	return s.server.Stop()
}

func (s *RESTServer) addRoutes() http.Handler {
	var routes = []struct {
		method  string
		route   string
		handler httprouter.Handle
	}{
		{"GET", "/asset/*path", s.AssetHandler},
		{"HEAD", "/asset/*path", s.AssetHandler},
		{"GET", "/page/*path", s.PageHandler},
		{"GET", "/node/*path", s.NodeInfoHandler},

		{"GET", "/revision", s.RevisionHandler},
		{"POST", "/rebuild", s.RebuildHandler},
		{"GET", "/reload", s.ReloadHandler},

		// accounting
		{"GET", "/artifacts", s.ListArtifactsHandler},
		{"GET", "/artifacts/:key", s.ArtifactInfoHandler},

		// other
		{"GET", "/", WelcomeHandler},
		{"GET", "/debug/vars", VarHandler}, // standard route for expvars data
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method, route.route, logWrapper(route.handler))
	}
	return r
}

// WelcomeHandler says hello.
func WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fmt.Fprintf(w, "Kiln (%s)\n", Version)
}

// VarHandler adapts the expvar default handler to the httprouter three
// parameter handler.
func VarHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// this code is taken from the stdlib expvar package.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w, "{\n")
	first := true
	expvar.Do(func(kv expvar.KeyValue) {
		if !first {
			fmt.Fprintf(w, ",\n")
		}
		first = false
		fmt.Fprintf(w, "%q: %s", kv.Key, kv.Value)
	})
	fmt.Fprintf(w, "\n}\n")
}

// logWrapper logs every request.
func logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.Println(r.Method, r.URL)
		handler(w, r, ps)
	}
}
