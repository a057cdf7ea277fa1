package revision

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/ioutil"
	"os"
	"path"
	"strings"
	"time"
)

// NodeKind classifies a content node by what transforms apply to it.
type NodeKind string

const (
	KindPage  NodeKind = "page"
	KindImage NodeKind = "image"
	KindVideo NodeKind = "video"
	KindAsset NodeKind = "asset"
)

// ContentNode is one addressable unit of content inside a Revision: a
// page, an image, a video asset. Nodes are revision scoped and never
// mutated after the revision is published.
type ContentNode struct {
	// Path is the node's address, relative to the content root.
	Path string

	// Hash is the sha256 of the source bytes, hex encoded. It is the
	// source identity derivation fingerprints are built from.
	Hash string

	Size    int64
	ModTime time.Time
	Kind    NodeKind

	// Rendered holds the loader's output for page nodes.
	Rendered []byte

	// Err is set when the node failed to load or render. The node
	// stays in the revision so the site serves a degraded page instead
	// of a hole; other nodes are unaffected.
	Err string

	abs string // absolute path of the source file
}

// SourceID implements derive.Source.
func (n *ContentNode) SourceID() string { return n.Hash }

// OpenSource implements derive.Source by opening the file the node was
// loaded from.
func (n *ContentNode) OpenSource() (io.ReadCloser, error) {
	return os.Open(n.abs)
}

// Errored reports whether the node is degraded.
func (n *ContentNode) Errored() bool { return n.Err != "" }

// A NodeLoader computes per-node data beyond hashing, e.g. rendering a
// page body. The serving layer installs one; nil is fine. A returned
// error marks this node degraded without affecting the rebuild.
type NodeLoader func(n *ContentNode, data []byte) error

// kindOf maps a file name to its node kind.
func kindOf(p string) NodeKind {
	switch strings.ToLower(path.Ext(p)) {
	case ".md", ".html", ".htm":
		return KindPage
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".svg":
		return KindImage
	case ".mp4", ".webm", ".mkv", ".mov":
		return KindVideo
	default:
		return KindAsset
	}
}

// loadNode hashes the file and runs the loader. A failure at any step
// returns a node with Err set rather than no node at all.
func loadNode(abs, rel string, fi os.FileInfo, loader NodeLoader) *ContentNode {
	n := &ContentNode{
		Path:    rel,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		Kind:    kindOf(rel),
		abs:     abs,
	}
	data, err := ioutil.ReadFile(abs)
	if err != nil {
		n.Err = err.Error()
		return n
	}
	sum := sha256.Sum256(data)
	n.Hash = hex.EncodeToString(sum[:])
	if loader != nil {
		if err := loader(n, data); err != nil {
			n.Err = err.Error()
		}
	}
	return n
}
