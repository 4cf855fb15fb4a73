// Package ids generates the opaque identifiers used for sandboxes, snapshots,
// builds, sessions and prompts. IDs combine a millisecond timestamp with a
// monotonic counter so they are unique within a process and sort roughly by
// creation time.
package ids

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Source issues identifiers with a shared monotonic counter.
type Source struct {
	seq atomic.Uint64
}

// NewSource creates an independent ID source.
func NewSource() *Source {
	return &Source{}
}

// New returns an identifier of the form "{prefix}-{unixms}-{seq}".
func (s *Source) New(prefix string) string {
	n := s.seq.Add(1)
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixMilli(), n)
}

var defaultSource = NewSource()

// New issues an identifier from the process-wide source.
func New(prefix string) string {
	return defaultSource.New(prefix)
}
