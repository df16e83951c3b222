package application

import (
	"hash/fnv"
	"sync"

	"github.com/cartwheel/order-system/shared/models"
)

// keyedLocks provides mutual exclusion per saga id via lock striping: saga
// ids hash onto a fixed set of mutexes. Triggers for one saga id always land
// on the same stripe, so per-instance execution is strictly serialized while
// distinct instances proceed in parallel.
type keyedLocks struct {
	stripes []sync.Mutex
}

func newKeyedLocks(stripeCount int) *keyedLocks {
	if stripeCount < 1 {
		stripeCount = 256
	}
	return &keyedLocks{stripes: make([]sync.Mutex, stripeCount)}
}

func (l *keyedLocks) lock(key models.ID) func() {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	stripe := &l.stripes[int(h.Sum32())%len(l.stripes)]
	stripe.Lock()
	return stripe.Unlock
}
