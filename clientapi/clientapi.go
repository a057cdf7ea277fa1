// Package clientapi speaks the kiln server's HTTP interface. It is used
// by the command line tools; programs embedding kiln should use the
// derive and revision packages directly.
package clientapi

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/antonholmquist/jason"
)

// Exported errors
var (
	ErrNotFound       = errors.New("Not Found on Kiln Server")
	ErrNotAuthorized  = errors.New("Access Denied")
	ErrUnexpectedResp = errors.New("Unexpected Response Code")
	ErrTimeout        = errors.New("timeout waiting for new revision")
)

// A Connection represents a connection with a kiln server.
// It can be shared between multiple goroutines.
type Connection struct {
	// The kiln server this connection is to
	HostURL string

	Token string

	client *http.Client
}

// Status returns the server's revision summary: sequence number, node
// counts, pipeline state, and the number of inflight derivations.
func (c *Connection) Status() (*jason.Object, error) {
	return c.doJasonGet("/revision")
}

// NodeInfo returns the metadata for one content node.
func (c *Connection) NodeInfo(path string) (*jason.Object, error) {
	v, err := c.doJasonGet("/node/" + path)
	if err == ErrNotFound {
		log.Println("no such node", path)
	}
	return v, err
}

// TriggerRebuild asks the server to rescan its content tree. The rebuild
// is asynchronous; pair with WaitForRevision to block on the result.
func (c *Connection) TriggerRebuild() error {
	req, _ := http.NewRequest("POST", c.HostURL+"/rebuild", nil)
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case 202:
		return nil
	default:
		log.Printf("Received HTTP status %d for POST /rebuild", resp.StatusCode)
		return ErrUnexpectedResp
	}
}

// WaitForRevision long polls until a revision newer than since is
// published, returning its sequence number. Each poll the server holds
// for up to 30 seconds; we retry until the deadline passes.
func (c *Connection) WaitForRevision(since int64, deadline time.Duration) (int64, error) {
	end := time.Now().Add(deadline)
	route := "/reload?seq=" + strconv.FormatInt(since, 10)
	for time.Now().Before(end) {
		req, _ := http.NewRequest("GET", c.HostURL+route, nil)
		resp, err := c.do(req)
		if err != nil {
			return 0, err
		}
		if resp.StatusCode == 204 {
			resp.Body.Close()
			continue
		}
		if resp.StatusCode != 200 {
			resp.Body.Close()
			log.Printf("Received HTTP status %d for GET %s", resp.StatusCode, route)
			return 0, ErrUnexpectedResp
		}
		v, err := jason.NewObjectFromReader(resp.Body)
		resp.Body.Close()
		if err != nil {
			return 0, err
		}
		return v.GetInt64("seq")
	}
	return 0, ErrTimeout
}

// ListArtifacts returns the accounting listing, newest first.
func (c *Connection) ListArtifacts(limit int) (*jason.Object, error) {
	return c.doJasonGet("/artifacts?limit=" + strconv.Itoa(limit))
}

// ArtifactInfo returns the accounting row for one artifact key.
func (c *Connection) ArtifactInfo(key string) (*jason.Object, error) {
	return c.doJasonGet("/artifacts/" + key)
}

// Download copies an asset, optionally derived, from the server to the
// given io.Writer. query holds derivation parameters like "w=300".
func (c *Connection) Download(w io.Writer, path string, query url.Values) error {
	route := c.HostURL + "/asset/" + path
	if len(query) > 0 {
		route += "?" + query.Encode()
	}

	req, _ := http.NewRequest("GET", route, nil)
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case 200:
		break
	case 404:
		log.Println("returned 404", route)
		return ErrNotFound
	case 401:
		return ErrNotAuthorized
	default:
		return fmt.Errorf("Received status %d from kiln", resp.StatusCode)
	}

	_, err = io.Copy(w, resp.Body)

	return err
}

// do performs an http request using our client with a timeout. The
// timeout is arbitrary, and is just there so we don't hang indefinitely
// should the server never close the connection.
func (c *Connection) do(req *http.Request) (*http.Response, error) {
	if c.Token != "" {
		req.Header.Add("X-Api-Key", c.Token)
	}
	if c.client == nil {
		c.client = &http.Client{
			Timeout: 10 * time.Minute, // arbitrary
		}
	}
	return c.client.Do(req)
}

func (c *Connection) doJasonGet(path string) (*jason.Object, error) {
	path = c.HostURL + path

	req, err := http.NewRequest("GET", path, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept-Encoding", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case 200:
		return jason.NewObjectFromReader(resp.Body)
	case 404:
		return nil, ErrNotFound
	case 401:
		return nil, ErrNotAuthorized
	default:
		return nil, fmt.Errorf("Received status %d from kiln", resp.StatusCode)
	}
}
