// kilnd is the kiln daemon. It watches a content tree, serves pages and
// derived media over HTTP, and memoizes every derivation in a content
// addressed artifact store.
//
// Configuration is taken from a TOML file and may be overridden by
// command line flags.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/certifi/gocertifi"
	raven "github.com/getsentry/raven-go"

	"github.com/kilnworks/kiln/derive"
	"github.com/kilnworks/kiln/revision"
	"github.com/kilnworks/kiln/server"
	"github.com/kilnworks/kiln/store"
)

// Version is overridden by the build system.
var Version = "dev"

type kilnConfig struct {
	ContentDir string
	StoreDir   string
	S3Bucket   string
	S3Prefix   string
	AWSRegion  string

	CacheDir  string
	CacheSize int64 // in MB

	PortNumber string
	PProfPort  string
	Mysql      string
	SentryDSN  string

	CopyInputs bool

	ImageWorkers  int
	VideoWorkers  int
	RenderWorkers int

	// timeouts, in seconds
	ComputeTimeout   int64
	AdmissionTimeout int64

	FFmpeg string
}

func main() {
	var (
		configFile = flag.String("config-file", "", "location of configuration file")
		contentDir = flag.String("content", "", "location of the content tree")
		storeDir   = flag.String("storage", "", "location of the artifact storage directory")
		portNumber = flag.String("port", "", "server port")
		showVer    = flag.Bool("version", false, "display the version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Printf("kilnd version %s\n", Version)
		return
	}

	// configuration defaults
	config := kilnConfig{
		ContentDir:       "content",
		StoreDir:         "artifacts",
		PortNumber:       "15000",
		CacheSize:        100,
		ImageWorkers:     4,
		VideoWorkers:     1,
		RenderWorkers:    8,
		ComputeTimeout:   300,
		AdmissionTimeout: 30,
	}
	if *configFile != "" {
		if _, err := toml.DecodeFile(*configFile, &config); err != nil {
			log.Fatalf("Error reading configuration file: %s", err)
		}
	}
	if *contentDir != "" {
		config.ContentDir = *contentDir
	}
	if *storeDir != "" {
		config.StoreDir = *storeDir
	}
	if *portNumber != "" {
		config.PortNumber = *portNumber
	}

	if config.SentryDSN != "" {
		raven.SetDSN(config.SentryDSN)
		raven.SetRelease(Version)
		// pin the CA roots so error reporting works on bare hosts
		if pool, err := gocertifi.CACerts(); err == nil {
			raven.DefaultClient.Transport = &raven.HTTPTransport{
				Client: &http.Client{
					Transport: &http.Transport{
						TLSClientConfig: &tls.Config{RootCAs: pool},
					},
				},
			}
		}
	}

	var base store.Store
	if config.S3Bucket != "" {
		log.Printf("Using S3 bucket %s/%s", config.S3Bucket, config.S3Prefix)
		awsConfig := aws.NewConfig()
		if config.AWSRegion != "" {
			awsConfig = awsConfig.WithRegion(config.AWSRegion)
		}
		s := session.Must(session.NewSession(awsConfig))
		base = store.NewS3(config.S3Bucket, config.S3Prefix, s)
	} else {
		log.Printf("Using storage dir %s", config.StoreDir)
		os.MkdirAll(config.StoreDir, 0755)
		base = store.NewFileSystem(config.StoreDir)
	}

	pool := derive.NewPool()
	pool.AdmissionTimeout = time.Duration(config.AdmissionTimeout) * time.Second
	pool.SetClass("image", config.ImageWorkers)
	pool.SetClass("video", config.VideoWorkers)
	pool.SetClass("render", config.RenderWorkers)

	engine := &derive.Engine{
		Artifacts:      store.NewWithPrefix(base, "drv-"),
		Pool:           pool,
		ComputeTimeout: time.Duration(config.ComputeTimeout) * time.Second,
	}
	if config.CopyInputs {
		engine.Inputs = store.NewWithPrefix(base, "in-")
	}
	engine.Register(derive.NewImageTransform(config.FFmpeg))
	engine.Register(derive.NewVideoTransform(config.FFmpeg))
	engine.Register(newRenderTransform())

	pipeline := &revision.Pipeline{
		Root:   config.ContentDir,
		Loader: renderLoader,
		Source: revision.NewFSWatcher(config.ContentDir),
	}
	if err := pipeline.Load(); err != nil {
		// no revision means nothing to serve; give up
		raven.CaptureErrorAndWait(err, nil)
		log.Fatalf("Error loading %s: %s", config.ContentDir, err)
	}

	s := &server.RESTServer{
		PortNumber: config.PortNumber,
		PProfPort:  config.PProfPort,
		Engine:     engine,
		Revisions:  pipeline,
		CacheDir:   config.CacheDir,
		CacheSize:  config.CacheSize * 1000000,
		MySQL:      config.Mysql,
	}
	server.Version = Version

	// on ctrl-c gracefully shut down the server
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("Received interrupt, shutting down")
		s.Stop()
	}()

	err := s.Run()
	if err != nil {
		log.Println(err)
	}
	pool.Stop()
}
