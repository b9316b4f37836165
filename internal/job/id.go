package job

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// idEncoding is unpadded base32 (newID lowercases its output), giving a
// printable, URL-safe alphabet without the '=' padding noise.
var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// newID derives a 22-character opaque id from the queue name, a
// monotonic high-resolution timestamp, and a hash of (class, data,
// runAt, nonce). It needs no coordination with any other producer: the
// timestamp and random nonce make collisions practically impossible, and
// nothing downstream ever parses structure out of the id.
func newID(queue, class string, data any, runAt int64) string {
	now := time.Now()
	nonce := uuid.New()
	seed := fmt.Sprintf("%s|%s|%v|%d|%d|%s", queue, class, data, runAt, now.UnixNano(), nonce)
	sum := sha256.Sum256([]byte(seed))
	encoded := idEncoding.EncodeToString(sum[:])
	if len(encoded) < 22 {
		// sha256 + base32 always yields well over 22 chars; this guards
		// the invariant defensively rather than relying on arithmetic.
		for len(encoded) < 22 {
			encoded += "a"
		}
	}
	return toLowerASCII(encoded[:22])
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
