package conference

import (
	"sync"

	"github.com/BioHazard786/Warpdrop/conference/internal/engine"
)

// QueueKey identifies the endpoint a buffered candidate is meant for.
// An empty Viewer means Target's own outgoing endpoint; otherwise the key is
// the incoming endpoint Viewer uses to watch Target.
type QueueKey struct {
	Target string
	Viewer string
}

// OutgoingKey addresses the outgoing endpoint of participant id.
func OutgoingKey(id string) QueueKey {
	return QueueKey{Target: id}
}

// IncomingKey addresses the endpoint viewer uses to receive target's media.
func IncomingKey(target, viewer string) QueueKey {
	return QueueKey{Target: target, Viewer: viewer}
}

// IceQueue buffers candidates per key until the keyed endpoint exists.
// It is not safe for concurrent use; Room guards it with its state lock.
type IceQueue struct {
	pending map[QueueKey][]engine.Candidate
}

// NewIceQueue returns an empty queue.
func NewIceQueue() *IceQueue {
	return &IceQueue{pending: make(map[QueueKey][]engine.Candidate)}
}

// Push appends c to the FIFO for key.
func (q *IceQueue) Push(key QueueKey, c engine.Candidate) {
	q.pending[key] = append(q.pending[key], c)
}

// Take removes and returns everything queued under key, oldest first.
func (q *IceQueue) Take(key QueueKey) []engine.Candidate {
	cs := q.pending[key]
	delete(q.pending, key)
	return cs
}

// Len returns the number of candidates waiting under key.
func (q *IceQueue) Len(key QueueKey) int {
	return len(q.pending[key])
}

// Forget drops every key that references participant id, as target or as
// viewer, and reports how many candidates were dropped.
func (q *IceQueue) Forget(id string) int {
	dropped := 0
	for key, cs := range q.pending {
		if key.Target == id || key.Viewer == id {
			dropped += len(cs)
			delete(q.pending, key)
		}
	}
	return dropped
}

// applyLine runs candidate applications for one key one at a time, in the
// order their tickets were taken. Tickets are taken under the room's state
// lock, so the engine calls themselves can run without it.
type applyLine struct {
	mu      sync.Mutex
	turn    *sync.Cond
	next    uint64
	serving uint64
}

func newApplyLine() *applyLine {
	l := &applyLine{}
	l.turn = sync.NewCond(&l.mu)
	return l
}

// ticket reserves the next place in line. Every ticket must be passed to do.
func (l *applyLine) ticket() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.next
	l.next++
	return t
}

// do waits for ticket's turn and runs fn.
func (l *applyLine) do(ticket uint64, fn func()) {
	l.mu.Lock()
	for l.serving != ticket {
		l.turn.Wait()
	}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.serving++
		l.turn.Broadcast()
		l.mu.Unlock()
	}()
	fn()
}
