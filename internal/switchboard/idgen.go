package switchboard

import (
	"fmt"
	"sync/atomic"
)

// idGenerator hands out monotonic-unique message ids. A zero-padded decimal
// string sorts lexicographically the same way it sorts numerically, so
// callers can use the id itself as an insertion-order key.
type idGenerator struct {
	counter uint64
}

func (g *idGenerator) next() string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%020d", n)
}
