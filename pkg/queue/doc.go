// Package queue provides a generic blocking FIFO used to hand messages between
// goroutines.
//
// A Queue has an optional capacity bound, per-call timeouts and an interrupt
// mechanism that forcibly releases blocked waiters during shutdown.
//
// # Outcomes
//
// Every blocking operation ends in exactly one of three outcomes, reported as a
// Status:
//
//   - StatusOK: the item was added or removed
//   - StatusTimeout: the timeout elapsed first (a zero timeout fails fast)
//   - StatusInterrupted: Interrupt was called
//
// Poll returns a Result carrying both the value and the Status, so a caller can
// always tell a timeout from an interruption. Take blocks without a timeout and
// reports interruption as ErrInterrupted.
//
// # Interruption
//
// Interrupt sets a sticky flag and wakes every waiter. While the flag is set,
// Poll and Take fail immediately, and so does an Offer that would have to wait
// for space. The flag is cleared by the next successful Offer or explicitly by
// ClearInterrupt:
//
//	q := queue.New[string](100)
//	go func() {
//	    for {
//	        item, err := q.Take()
//	        if err != nil {
//	            return // interrupted
//	        }
//	        handle(item)
//	    }
//	}()
//	...
//	q.Interrupt() // consumer returns
package queue
