package router

import (
	"sync"

	"github.com/golang-collections/collections/queue"

	"signalmesh/classify"
)

type outbound struct {
	frame     []byte
	messageID string
	priority  classify.Priority
}

// peerQueue is one peer's outbound queue: two FIFO tiers, High drained
// before Normal.
type peerQueue struct {
	peerID string
	depth  int

	mu     sync.Mutex
	high   *queue.Queue
	normal *queue.Queue
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newPeerQueue(peerID string, depth int) *peerQueue {
	return &peerQueue{
		peerID: peerID,
		depth:  depth,
		high:   queue.New(),
		normal: queue.New(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push enqueues item. When the queue is full the oldest Normal frame is
// dropped, or the oldest High frame if there is no Normal one. The dropped
// frame is returned. push on a closed queue is a no-op reporting false.
func (q *peerQueue) push(item outbound) (dropped *outbound, ok bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, false
	}
	if q.high.Len()+q.normal.Len() >= q.depth {
		victim := q.normal
		if victim.Len() == 0 {
			victim = q.high
		}
		d := victim.Dequeue().(outbound)
		dropped = &d
	}
	if item.priority == classify.High {
		q.high.Enqueue(item)
	} else {
		q.normal.Enqueue(item)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return dropped, true
}

func (q *peerQueue) pop() (outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return outbound{}, false
	}
	if q.high.Len() > 0 {
		return q.high.Dequeue().(outbound), true
	}
	if q.normal.Len() > 0 {
		return q.normal.Dequeue().(outbound), true
	}
	return outbound{}, false
}

func (q *peerQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.high.Len() + q.normal.Len()
}

// close discards everything still queued and stops the sender.
func (q *peerQueue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	q.closed = true
	discarded := q.high.Len() + q.normal.Len()
	q.high = queue.New()
	q.normal = queue.New()
	close(q.done)
	return discarded
}
