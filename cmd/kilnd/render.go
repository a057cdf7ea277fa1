package main

import (
	"bytes"
	"context"
	"html"
	"io"
	"io/ioutil"
	"strings"

	"github.com/kilnworks/kiln/derive"
	"github.com/kilnworks/kiln/revision"
)

// renderLoader renders page nodes as they are scanned, so serving a page
// is a map lookup. Non-page nodes pass through untouched.
func renderLoader(n *revision.ContentNode, data []byte) error {
	if n.Kind != revision.KindPage {
		return nil
	}
	n.Rendered = renderHTML(n.Path, data)
	return nil
}

// newRenderTransform exposes page rendering as a derivation, for callers
// that want rendered output keyed and stored like any other artifact.
func newRenderTransform() *derive.TransformFunc {
	return &derive.TransformFunc{
		TransformKind: "render",
		ResourceClass: "render",
		F: func(ctx context.Context, src io.Reader, p derive.Params) ([]byte, error) {
			data, err := ioutil.ReadAll(src)
			if err != nil {
				return nil, err
			}
			return renderHTML(p.Format, data), nil
		},
	}
}

// renderHTML wraps a source document in a minimal HTML shell. The first
// heading line becomes the title. This is a placeholder renderer; real
// deployments plug a full renderer in through the pipeline's Loader.
func renderHTML(name string, data []byte) []byte {
	title := name
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "# ") {
			title = strings.TrimSpace(line[2:])
			break
		}
	}
	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\n<html><head><title>")
	buf.WriteString(html.EscapeString(title))
	buf.WriteString("</title></head>\n<body>\n<article>\n<pre>")
	buf.WriteString(html.EscapeString(string(data)))
	buf.WriteString("</pre>\n</article>\n</body></html>\n")
	return buf.Bytes()
}
