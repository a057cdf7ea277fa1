// kiln is the command line client for a kilnd server.
//
// usage: kiln [flags] <command> [args]
//
// commands:
//	status                  show the published revision and pipeline state
//	rebuild                 trigger a rescan of the content tree
//	node <path>             show the metadata for one content node
//	get <path>              download an asset, optionally derived
//	artifacts               list stored artifacts, newest first
//	artifact <key>          show one accounting row
package main

import (
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/kilnworks/kiln/clientapi"
)

var (
	hostURL = flag.String("server", "http://localhost:15000", "kilnd server to contact")
	token   = flag.String("token", "", "API key to send")
	verbose = flag.Bool("v", false, "extra output")

	// for get
	width   = flag.Int("w", 0, "target width")
	height  = flag.Int("h", 0, "target height")
	quality = flag.Int("q", 0, "encode quality")
	format  = flag.String("format", "", "target format")
	output  = flag.String("o", "", "output file (default stdout)")

	// for rebuild
	wait = flag.Bool("wait", false, "block until the rebuild publishes")

	// for artifacts
	limit = flag.Int("limit", 100, "max rows to list")
)

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	c := &clientapi.Connection{HostURL: *hostURL, Token: *token}

	var err error
	switch args[0] {
	case "status":
		err = doStatus(c)
	case "rebuild":
		err = doRebuild(c)
	case "node":
		if len(args) < 2 {
			err = fmt.Errorf("node needs a path")
			break
		}
		err = doNode(c, args[1])
	case "get":
		if len(args) < 2 {
			err = fmt.Errorf("get needs a path")
			break
		}
		err = doGet(c, args[1])
	case "artifacts":
		err = doArtifacts(c)
	case "artifact":
		if len(args) < 2 {
			err = fmt.Errorf("artifact needs a key")
			break
		}
		err = doArtifact(c, args[1])
	default:
		err = fmt.Errorf("unknown command %s", args[0])
	}
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func doStatus(c *clientapi.Connection) error {
	v, err := c.Status()
	if err != nil {
		return err
	}
	seq, _ := v.GetInt64("seq")
	state, _ := v.GetString("state")
	nodes, _ := v.GetInt64("nodes")
	errored, _ := v.GetInt64("errored")
	inflight, _ := v.GetInt64("inflight")
	fmt.Printf("revision %d (%s)\n", seq, state)
	fmt.Printf("%d nodes, %d errored, %d derivations inflight\n", nodes, errored, inflight)
	return nil
}

func doRebuild(c *clientapi.Connection) error {
	var since int64 = -1
	if *wait {
		v, err := c.Status()
		if err != nil {
			return err
		}
		since, _ = v.GetInt64("seq")
	}
	if err := c.TriggerRebuild(); err != nil {
		return err
	}
	fmt.Println("rebuild scheduled")
	if *wait {
		seq, err := c.WaitForRevision(since, 5*time.Minute)
		if err != nil {
			return err
		}
		fmt.Printf("revision %d published\n", seq)
	}
	return nil
}

func doNode(c *clientapi.Connection, path string) error {
	v, err := c.NodeInfo(path)
	if err != nil {
		return err
	}
	kind, _ := v.GetString("kind")
	hash, _ := v.GetString("hash")
	size, _ := v.GetInt64("size")
	fmt.Printf("%s: %s, %d bytes\n", path, kind, size)
	fmt.Printf("source %s\n", hash)
	if errored, _ := v.GetBoolean("errored"); errored {
		msg, _ := v.GetString("error")
		fmt.Printf("ERRORED: %s\n", msg)
	}
	return nil
}

func doGet(c *clientapi.Connection, path string) error {
	query := url.Values{}
	if *width > 0 {
		query.Set("w", strconv.Itoa(*width))
	}
	if *height > 0 {
		query.Set("h", strconv.Itoa(*height))
	}
	if *quality > 0 {
		query.Set("q", strconv.Itoa(*quality))
	}
	if *format != "" {
		query.Set("format", *format)
	}

	out := os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	start := time.Now()
	err := c.Download(out, path, query)
	if err == nil && *verbose {
		log.Printf("downloaded %s in %v", path, time.Since(start))
	}
	return err
}

func doArtifacts(c *clientapi.Connection) error {
	v, err := c.ListArtifacts(*limit)
	if err != nil {
		return err
	}
	count, _ := v.GetInt64("count")
	total, _ := v.GetInt64("total_bytes")
	rows, _ := v.GetObjectArray("artifacts")
	for _, row := range rows {
		key, _ := row.GetString("key")
		size, _ := row.GetInt64("size")
		when, _ := row.GetString("uploaded_at")
		fmt.Printf("%s  %10d  %s\n", key, size, when)
	}
	fmt.Printf("%d artifacts, %d bytes\n", count, total)
	return nil
}

func doArtifact(c *clientapi.Connection, key string) error {
	v, err := c.ArtifactInfo(key)
	if err != nil {
		return err
	}
	size, _ := v.GetInt64("size")
	when, _ := v.GetString("uploaded_at")
	fmt.Printf("%s  %d bytes  uploaded %s\n", key, size, when)
	return nil
}
