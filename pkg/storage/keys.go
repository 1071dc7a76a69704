package storage

import (
	"hash/fnv"
	"sync"
)

// Key schema for Pebble storage:
//
//	ord:<orderID> → order.Order (JSON)
//	job:<jobID>   → queue.Job (JSON)
const (
	prefixOrder = "ord:"
	prefixJob   = "job:"
)

// orderKey returns the key for an order
// Format: "ord:{orderID}"
func orderKey(id string) []byte {
	return []byte(prefixOrder + id)
}

// jobKey returns the key for a job
// Format: "job:{jobID}"
func jobKey(id string) []byte {
	return []byte(prefixJob + id)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // no upper bound
}

// stripedLocks serializes read-modify-write per order id without one
// global lock across unrelated orders.
type stripedLocks [64]sync.Mutex

func (s *stripedLocks) lock(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	mu := &s[h.Sum32()%uint32(len(s))]
	mu.Lock()
	return mu.Unlock
}
