// Package ids generates identifiers that sort by creation time.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a monotonic ULID as a 26-character string.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// ConsumerTag builds a broker consumer tag that names its owner and queue.
func ConsumerTag(prefix, queue string) string {
	if prefix == "" {
		return queue + "." + New()
	}
	return prefix + "." + queue + "." + New()
}
