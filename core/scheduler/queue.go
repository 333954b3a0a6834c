package scheduler

import (
	"context"
	"sync"
)

// ClaimQueue hands out the single training slot in reservation order. A
// ticket is reserved when a job is submitted; the slot goes to the oldest
// outstanding ticket once that job is ready to train, so a job whose
// prepare finishes early still waits for every job submitted before it.
type ClaimQueue struct {
	mu      sync.Mutex
	waiting []*Ticket
	holder  *Ticket
}

// Ticket is one job's place in the claim queue
type Ticket struct {
	JobID   string
	ready   bool
	done    bool
	granted chan struct{}
}

// NewClaimQueue creates an empty claim queue
func NewClaimQueue() *ClaimQueue {
	return &ClaimQueue{}
}

// Reserve appends a ticket for jobID to the queue
func (q *ClaimQueue) Reserve(jobID string) *Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := &Ticket{JobID: jobID, granted: make(chan struct{})}
	q.waiting = append(q.waiting, t)
	return t
}

// Acquire marks t ready and blocks until it holds the slot. If ctx ends
// first the ticket is withdrawn and ctx's error is returned.
func (q *ClaimQueue) Acquire(ctx context.Context, t *Ticket) error {
	q.mu.Lock()
	if t.done {
		q.mu.Unlock()
		return context.Canceled
	}
	t.ready = true
	q.advance()
	q.mu.Unlock()

	select {
	case <-t.granted:
		return nil
	case <-ctx.Done():
		q.Release(t)
		return ctx.Err()
	}
}

// Release gives the slot up, or withdraws a ticket still waiting. It is safe
// to call more than once.
func (q *ClaimQueue) Release(t *Ticket) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.done {
		return
	}
	t.done = true
	if q.holder == t {
		q.holder = nil
	} else {
		for i, w := range q.waiting {
			if w == t {
				q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
				break
			}
		}
	}
	q.advance()
}

// advance grants the slot to the head ticket if it is free and the head is
// ready. Must be called with q.mu held.
func (q *ClaimQueue) advance() {
	if q.holder != nil || len(q.waiting) == 0 || !q.waiting[0].ready {
		return
	}
	q.holder = q.waiting[0]
	q.waiting[0] = nil
	q.waiting = q.waiting[1:]
	close(q.holder.granted)
}

// Position returns how many tickets are ahead of t, counting the holder.
// It is 0 for the holder and -1 for a released ticket.
func (q *ClaimQueue) Position(t *Ticket) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.done {
		return -1
	}
	if q.holder == t {
		return 0
	}
	ahead := 0
	if q.holder != nil {
		ahead = 1
	}
	for i, w := range q.waiting {
		if w == t {
			return ahead + i
		}
	}
	return -1
}

// Holder returns the job holding the slot, or "" when it is free
func (q *ClaimQueue) Holder() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.holder == nil {
		return ""
	}
	return q.holder.JobID
}

// Len returns the number of tickets waiting for the slot
func (q *ClaimQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}
