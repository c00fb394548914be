package relay

import (
	"context"
	"time"
)

// chunk is one unit of audio waiting to be forwarded. gen is the outbound
// generation the chunk was produced in; inbound chunks leave it zero. A clear
// chunk carries no audio and flushes telephony playback when it is reached.
type chunk struct {
	gen   uint64
	data  []byte
	clear bool
}

// queue is a bounded FIFO with a single producer. When full, Push waits up
// to pushTimeout for room and then discards the oldest chunk.
type queue struct {
	ch          chan chunk
	pushTimeout time.Duration
}

func newQueue(size int, pushTimeout time.Duration) *queue {
	if size < 1 {
		size = 1
	}
	return &queue{ch: make(chan chunk, size), pushTimeout: pushTimeout}
}

// Push enqueues c and returns how many older chunks were dropped for it.
func (q *queue) Push(c chunk) int {
	select {
	case q.ch <- c:
		return 0
	default:
	}

	if q.pushTimeout > 0 {
		timer := time.NewTimer(q.pushTimeout)
		select {
		case q.ch <- c:
			timer.Stop()
			return 0
		case <-timer.C:
		}
	}

	dropped := 0
	for {
		select {
		case q.ch <- c:
			return dropped
		default:
		}
		select {
		case <-q.ch:
			dropped++
		default:
		}
	}
}

// Pop blocks until a chunk is available or ctx is done.
func (q *queue) Pop(ctx context.Context) (chunk, bool) {
	select {
	case c := <-q.ch:
		return c, true
	case <-ctx.Done():
		return chunk{}, false
	}
}

// Clear discards everything queued and returns the count.
func (q *queue) Clear() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

func (q *queue) Len() int {
	return len(q.ch)
}
