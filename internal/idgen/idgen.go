// Package idgen centralizes identifier generation so every component stamps
// transaction ids, chunk identifiers, and internal timeline ids the same way.
package idgen

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// TxnID returns a fresh opaque to-device transaction id.
func TxnID() string {
	return uuid.NewString()
}

// ChunkID returns a fresh linked-chunk identifier.
func ChunkID() string {
	return uuid.NewString()
}

// Counter hands out monotonically increasing internal ids, the handle
// external observers use to track a timeline item across content mutations.
// The zero value is ready to use and starts at 1 so 0 can mean "unset".
type Counter struct {
	next atomic.Uint64
}

// Next returns the next internal id in the sequence.
func (c *Counter) Next() uint64 {
	return c.next.Add(1)
}
