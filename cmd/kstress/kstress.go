package main

// Stress test a kilnd instance by requesting many derived variants of
// the given assets at once. Most requests after the first pass should be
// cache hits; the server's worker pools bound the rest.
//
// Parameters:
//  n   - The number of goroutines to use. Default is 100
//  c   - The number of requests to make. Default is 10000
//
//  url - the url of the kilnd instance. Default is http://localhost:15000

import (
	"context"
	"errors"
	"flag"
	"io"
	"io/ioutil"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilnworks/kiln/util"
)

var (
	NumGoroutines = flag.Int("n", 100, "number of goroutines")
	NumRequests   = flag.Int("c", 10000, "number of requests to make")
	urlpath       = flag.String("url", "http://localhost:15000", "base url of service to test")

	widths = []int{64, 128, 256, 320, 640, 800, 1024, 1280, 1600, 1920}
)

func main() {
	flag.Parse()
	assets := flag.Args()
	if len(assets) == 0 {
		log.Fatal("give at least one asset path to request, e.g. img/logo.png")
	}

	var nbytes, nerrors int64
	starttime := time.Now()

	wg := sync.WaitGroup{}
	gate := util.NewGate(*NumGoroutines)
	for i := 0; i < *NumRequests; i++ {
		asset := assets[rand.Intn(len(assets))]
		w := widths[rand.Intn(len(widths))]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if gate.Enter(context.Background()) != nil {
				return
			}
			defer gate.Leave()
			n, err := getvariant(asset, w)
			if err != nil {
				atomic.AddInt64(&nerrors, 1)
				return
			}
			atomic.AddInt64(&nbytes, n)
		}()
	}
	wg.Wait()

	runDuration := time.Since(starttime)
	total := atomic.LoadInt64(&nbytes)
	log.Printf("%d requests, %d errors: %v bytes, %v time, %f MB/s",
		*NumRequests,
		atomic.LoadInt64(&nerrors),
		total,
		runDuration,
		float64(total/1000000)/runDuration.Seconds())
}

var errBadStatus = errors.New("bad status")

func getvariant(asset string, width int) (int64, error) {
	route := *urlpath + "/asset/" + asset + "?w=" + strconv.Itoa(width)
	resp, err := http.Get(route)
	if err != nil {
		log.Println(err)
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		log.Printf("Received status %d for %s", resp.StatusCode, route)
		io.Copy(ioutil.Discard, resp.Body)
		return 0, errBadStatus
	}
	return io.Copy(ioutil.Discard, resp.Body)
}
