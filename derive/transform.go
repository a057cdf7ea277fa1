package derive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/pkg/errors"
)

// A Transform turns source bytes into derived bytes. Implementations
// form a closed set selected by Params.Kind; there is no runtime plugin
// loading.
//
// Run must honor ctx: the engine passes a context whose deadline is the
// computation timeout, and an implementation that shells out must let
// the expiring context kill the subprocess so a hung encoder cannot hold
// a worker slot forever.
type Transform interface {
	// Kind matches Params.Kind.
	Kind() string
	// Class names the worker pool resource class this transform is
	// admitted under.
	Class() string
	Run(ctx context.Context, src io.Reader, p Params) ([]byte, error)
}

// Command is a Transform that runs an external encoder process. Source
// bytes go to stdin and the derived bytes are read from stdout.
type Command struct {
	TransformKind string
	ResourceClass string
	// Path is the executable, e.g. "ffmpeg" or "vips".
	Path string
	// Args builds the argument list for one invocation.
	Args func(p Params) []string
}

var _ Transform = &Command{}

func (c *Command) Kind() string  { return c.TransformKind }
func (c *Command) Class() string { return c.ResourceClass }

// Run executes the encoder. When ctx expires the process is killed and
// the expiry is reported as an ordinary computation failure.
func (c *Command) Run(ctx context.Context, src io.Reader, p Params) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args(p)...)
	cmd.Stdin = src
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, errors.Wrapf(ctx.Err(), "%s killed", c.Path)
	}
	if err != nil {
		msg := stderr.String()
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return nil, errors.Wrapf(err, "%s: %s", c.Path, msg)
	}
	return out.Bytes(), nil
}

// NewImageTransform re-encodes and resizes images with ffmpeg. One
// invocation per variant; ffmpeg reads the original from stdin.
func NewImageTransform(path string) *Command {
	if path == "" {
		path = "ffmpeg"
	}
	return &Command{
		TransformKind: "image",
		ResourceClass: "image",
		Path:          path,
		Args: func(p Params) []string {
			args := []string{"-hide_banner", "-loglevel", "error", "-i", "pipe:0"}
			if p.Width > 0 || p.Height > 0 {
				args = append(args, "-vf", scaleFilter(p.Width, p.Height))
			}
			if p.Quality > 0 {
				args = append(args, "-q:v", fmt.Sprintf("%d", p.Quality))
			}
			format := p.Format
			if format == "" {
				format = "webp"
			}
			return append(args, "-f", format, "pipe:1")
		},
	}
}

// NewVideoTransform transcodes video with ffmpeg.
func NewVideoTransform(path string) *Command {
	if path == "" {
		path = "ffmpeg"
	}
	return &Command{
		TransformKind: "video",
		ResourceClass: "video",
		Path:          path,
		Args: func(p Params) []string {
			args := []string{"-hide_banner", "-loglevel", "error", "-i", "pipe:0"}
			if p.Width > 0 || p.Height > 0 {
				args = append(args, "-vf", scaleFilter(p.Width, p.Height))
			}
			format := p.Format
			if format == "" {
				format = "webm"
			}
			return append(args, "-f", format, "pipe:1")
		},
	}
}

func scaleFilter(w, h int) string {
	if w <= 0 {
		w = -2
	}
	if h <= 0 {
		h = -2
	}
	return fmt.Sprintf("scale=%d:%d", w, h)
}

// TransformFunc adapts a plain function (the page renderer, supplied by
// the serving layer) to the Transform interface.
type TransformFunc struct {
	TransformKind string
	ResourceClass string
	F             func(ctx context.Context, src io.Reader, p Params) ([]byte, error)
}

var _ Transform = &TransformFunc{}

func (t *TransformFunc) Kind() string  { return t.TransformKind }
func (t *TransformFunc) Class() string { return t.ResourceClass }

func (t *TransformFunc) Run(ctx context.Context, src io.Reader, p Params) ([]byte, error) {
	return t.F(ctx, src, p)
}
