package switchboardclient

import (
	"sort"
	"sync"
	"time"

	"github.com/cklxx/orchestrate/internal/filestore"
	"github.com/cklxx/orchestrate/internal/switchboard"
)

// outboundEmit is one queued send, correlated back to its caller via id.
type outboundEmit struct {
	id         string
	to         string
	kind       switchboard.Kind
	priority   switchboard.Priority
	subject    string
	body       string
	metadata   map[string]any
	enqueuedAt time.Time
}

// outboundQueue is the bounded, drop-oldest-on-overflow queue holding
// sends made while disconnected. It is keyed by an internal sequence
// number rather than a slice so filestore.EvictByCap, built for capped
// maps, can serve as the overflow policy instead of a hand-rolled ring
// buffer.
type outboundQueue struct {
	mu      sync.Mutex
	items   map[uint64]outboundEmit
	nextSeq uint64
	cap     int
}

func newOutboundQueue(capacity int) *outboundQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &outboundQueue{items: make(map[uint64]outboundEmit), cap: capacity}
}

// push enqueues item, evicting the oldest entry first if the queue is full.
func (q *outboundQueue) push(item outboundEmit) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSeq++
	q.items[q.nextSeq] = item
	filestore.EvictByCap(q.items, q.cap, func(e outboundEmit) time.Time { return e.enqueuedAt })
}

// drain returns every queued item, oldest first, without removing them.
func (q *outboundQueue) drain() []queuedEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queuedEntry, 0, len(q.items))
	for seq, item := range q.items {
		out = append(out, queuedEntry{seq: seq, outboundEmit: item})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (q *outboundQueue) remove(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, seq)
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type queuedEntry struct {
	seq uint64
	outboundEmit
}
