package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

func NewJobID() string {
	// ULID is sortable (nice for DB indexes and dashboards)
	return "aij_" + ulid.MustNew(ulid.Timestamp(NowUTC()), rand.Reader).String()
}

// NewNonce returns an unguessable one-time value for OAuth state binding.
// The 80 random bits of a ULID come from crypto/rand.
func NewNonce() string {
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(NowUTC()), rand.Reader).String())
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
