// Package ids hands out identifiers: ULIDs for connections and dense integer
// sequences for request correlation.
package ids

import (
	"crypto/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID. Ids from one process are
// strictly increasing.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewConnectionID returns a ULID naming one logical connection.
func NewConnectionID() string {
	return CreateULID()
}

// ConnectedAt recovers the creation time embedded in a connection id.
func ConnectedAt(connectionID string) (time.Time, error) {
	id, err := ulid.ParseStrict(connectionID)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(id.Time()), nil
}

// Sequence allocates monotonically increasing ids starting at zero. The zero
// value is ready to use and safe for concurrent callers.
type Sequence struct {
	next atomic.Uint64
}

// Next returns the next id.
func (s *Sequence) Next() uint64 {
	return s.next.Add(1) - 1
}
