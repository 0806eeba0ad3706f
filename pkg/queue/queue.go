package queue

import (
	"errors"
	"sync"
	"time"
)

// ErrInterrupted is returned by Take when Interrupt is called while it waits,
// or when the queue is already interrupted.
var ErrInterrupted = errors.New("queue: interrupted")

// Status is the outcome of a queue operation.
type Status uint8

const (
	StatusOK Status = iota
	StatusTimeout
	StatusInterrupted
)

// String returns a short name for the status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimeout:
		return "timeout"
	case StatusInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Result is the value produced by Poll together with its outcome.
// Value is the zero value unless Status is StatusOK.
type Result[T any] struct {
	Value  T
	Status Status
}

// OK reports whether the result carries a value.
func (r Result[T]) OK() bool {
	return r.Status == StatusOK
}

// Queue is a thread-safe FIFO with an optional capacity bound.
// The zero value is not usable; create queues with New.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int

	interrupted bool
	intr        chan struct{} // closed by Interrupt, replaced when the flag clears

	// Broadcast channels, closed and replaced when the guarded condition may
	// have changed and someone is waiting on it.
	notEmpty     chan struct{}
	notFull      chan struct{}
	waitingTake  int
	waitingOffer int
}

// New creates a queue holding at most capacity items.
// A capacity of zero or less creates an unbounded queue.
func New[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		capacity: capacity,
		intr:     make(chan struct{}),
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
	}
}

// Capacity returns the configured bound, 0 for unbounded queues.
func (q *Queue[T]) Capacity() int {
	return q.capacity
}

// Size returns the number of queued items.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether the queue holds no items.
func (q *Queue[T]) IsEmpty() bool {
	return q.Size() == 0
}

// Interrupted reports whether the sticky interrupt flag is set.
func (q *Queue[T]) Interrupted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.interrupted
}

// Interrupt sets the interrupted flag and wakes every blocked Offer, Poll and
// Take. Poll and Take keep failing until the flag is cleared.
func (q *Queue[T]) Interrupt() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.interrupted {
		return
	}
	q.interrupted = true
	close(q.intr)
}

// ClearInterrupt clears the interrupted flag. Queued items are kept.
func (q *Queue[T]) ClearInterrupt() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clearInterruptLocked()
}

func (q *Queue[T]) clearInterruptLocked() {
	if !q.interrupted {
		return
	}
	q.interrupted = false
	q.intr = make(chan struct{})
}

// Offer appends item to the tail of the queue, waiting up to timeout for free
// capacity. A zero timeout never blocks; a negative timeout waits until space
// is available or the queue is interrupted.
//
// A successful Offer clears the interrupted flag. A failed one leaves it set,
// and an Offer that would have to wait on an interrupted queue fails with
// StatusInterrupted.
func (q *Queue[T]) Offer(item T, timeout time.Duration) Status {
	q.mu.Lock()

	var deadline <-chan time.Time
	for {
		if q.capacity == 0 || len(q.items) < q.capacity {
			q.items = append(q.items, item)
			q.clearInterruptLocked()
			if q.waitingTake > 0 {
				close(q.notEmpty)
				q.notEmpty = make(chan struct{})
			}
			q.mu.Unlock()
			return StatusOK
		}
		if timeout == 0 {
			q.mu.Unlock()
			return StatusTimeout
		}
		if q.interrupted {
			q.mu.Unlock()
			return StatusInterrupted
		}
		if deadline == nil && timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			deadline = timer.C
		}

		wake, intr := q.notFull, q.intr
		q.waitingOffer++
		q.mu.Unlock()

		timedOut := false
		select {
		case <-wake:
		case <-intr:
		case <-deadline:
			timedOut = true
		}

		q.mu.Lock()
		q.waitingOffer--
		if timedOut {
			q.mu.Unlock()
			return StatusTimeout
		}
	}
}

// Poll removes and returns the head of the queue, waiting up to timeout for
// an item. A zero timeout never blocks; a negative timeout waits until an item
// arrives or the queue is interrupted.
func (q *Queue[T]) Poll(timeout time.Duration) Result[T] {
	q.mu.Lock()

	var deadline <-chan time.Time
	for {
		if q.interrupted {
			q.mu.Unlock()
			return Result[T]{Status: StatusInterrupted}
		}
		if len(q.items) > 0 {
			item := q.popLocked()
			q.mu.Unlock()
			return Result[T]{Value: item, Status: StatusOK}
		}
		if timeout == 0 {
			q.mu.Unlock()
			return Result[T]{Status: StatusTimeout}
		}
		if deadline == nil && timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			deadline = timer.C
		}

		wake, intr := q.notEmpty, q.intr
		q.waitingTake++
		q.mu.Unlock()

		timedOut := false
		select {
		case <-wake:
		case <-intr:
		case <-deadline:
			timedOut = true
		}

		q.mu.Lock()
		q.waitingTake--
		if timedOut {
			q.mu.Unlock()
			return Result[T]{Status: StatusTimeout}
		}
	}
}

// Take removes and returns the head of the queue, blocking until an item is
// available. It returns ErrInterrupted if the queue is interrupted.
func (q *Queue[T]) Take() (T, error) {
	r := q.Poll(-1)
	if r.Status != StatusOK {
		var zero T
		return zero, ErrInterrupted
	}
	return r.Value, nil
}

// popLocked removes the head item. q.mu must be held and the queue non-empty.
func (q *Queue[T]) popLocked() T {
	var zero T
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	if q.waitingOffer > 0 {
		close(q.notFull)
		q.notFull = make(chan struct{})
	}
	return item
}
