package derive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Params describes one transform invocation. The zero value of a field
// means "not requested" and is still part of the canonical encoding, so
// two Params are equivalent exactly when every field matches after
// normalization.
type Params struct {
	// Kind selects the transform: "image", "video", or "render".
	Kind string

	// Format is the target container or encoding, e.g. "webp", "avif",
	// "av1", "html".
	Format string

	Width   int
	Height  int
	Quality int

	// Extra holds transform specific options that do not warrant their
	// own field. Key order does not affect the fingerprint.
	Extra map[string]string
}

// fingerprintVersion is baked into every fingerprint. Bump it to
// invalidate all previously derived artifacts after a transform
// behavior change.
const fingerprintVersion = 1

// canonical renders p in a stable textual form: fixed field order,
// normalized case, sorted Extra keys. Semantically equal parameter sets
// always produce the same string.
func (p Params) canonical() string {
	var b strings.Builder
	fmt.Fprintf(&b, "v=%d\n", fingerprintVersion)
	fmt.Fprintf(&b, "kind=%s\n", strings.ToLower(strings.TrimSpace(p.Kind)))
	fmt.Fprintf(&b, "format=%s\n", strings.ToLower(strings.TrimSpace(p.Format)))
	fmt.Fprintf(&b, "w=%d\nh=%d\nq=%d\n", p.Width, p.Height, p.Quality)
	if len(p.Extra) > 0 {
		keys := make([]string, 0, len(p.Extra))
		for k := range p.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "x:%s=%s\n", k, p.Extra[k])
		}
	}
	return b.String()
}

// Fingerprint derives the cache key for applying p to the source with
// the given identity. It is a pure function: the same (sourceID, p)
// always gives the same key, and any change to either gives a different
// one. sha256 is assumed collision free; there is no defensive
// collision check.
//
// The result is lowercase hex, so it is a valid store key.
func Fingerprint(sourceID string, p Params) string {
	h := sha256.New()
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	h.Write([]byte(p.canonical()))
	return hex.EncodeToString(h.Sum(nil))
}
