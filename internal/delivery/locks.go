package delivery

import (
	"hash/fnv"
	"sync"
)

const recipientStripes = 256

// recipientLocks serializes writes to one recipient. Users sharing a stripe
// only wait for each other.
type recipientLocks struct {
	stripes [recipientStripes]sync.Mutex
}

func (l *recipientLocks) lock(userID string) func() {
	f := fnv.New32a()
	_, _ = f.Write([]byte(userID))
	mu := &l.stripes[f.Sum32()%recipientStripes]
	mu.Lock()
	return mu.Unlock
}
