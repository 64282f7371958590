// Package runid generates the sortable run identifier stamped into every
// log line and run-summary record produced by a single stage invocation.
package runid

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a fresh ULID-based run identifier, lexically sortable by
// creation time.
func New() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
