package sync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EventQueue is a keyed channel: Take(kind, timeout) awaits the next
// value tagged with kind. Multiple concurrent waiters on different
// kinds are supported; Fail wakes every waiter with the same error;
// Clear drops pending values and resets the failure state.
type EventQueue struct {
	mu      sync.Mutex
	values  map[string]chan interface{}
	failCh  chan struct{}
	failErr error
}

// NewEventQueue returns an empty, unfailed queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{
		values: make(map[string]chan interface{}),
		failCh: make(chan struct{}),
	}
}

func (q *EventQueue) chanFor(kind string) chan interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.values[kind]
	if !ok {
		ch = make(chan interface{}, 1)
		q.values[kind] = ch
	}
	return ch
}

// Push tags value with kind, waking any waiter blocked in Take(kind,
// ...). A value pushed with no waiter replaces any previously pending,
// unconsumed value for the same kind; only the freshest matters.
func (q *EventQueue) Push(kind string, value interface{}) {
	ch := q.chanFor(kind)
	select {
	case ch <- value:
	default:
		select {
		case <-ch:
		default:
		}
		ch <- value
	}
}

// Take awaits the next value pushed under kind, a prior Fail, ctx
// cancellation, or timeout, whichever comes first.
func (q *EventQueue) Take(ctx context.Context, kind string, timeout time.Duration) (interface{}, error) {
	ch := q.chanFor(kind)
	q.mu.Lock()
	failCh := q.failCh
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-ch:
		return v, nil
	case <-failCh:
		q.mu.Lock()
		err := q.failErr
		q.mu.Unlock()
		return nil, err
	case <-timer.C:
		return nil, fmt.Errorf("sync: timed out waiting for %q", kind)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Fail wakes every current and future waiter with err, until Clear
// resets the queue. Only the first Fail call in a generation takes
// effect.
func (q *EventQueue) Fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failErr != nil {
		return
	}
	q.failErr = err
	close(q.failCh)
}

// Clear drops all pending values and resets the failure state, starting
// a fresh generation for the next session.
func (q *EventQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.values = make(map[string]chan interface{})
	q.failCh = make(chan struct{})
	q.failErr = nil
}
