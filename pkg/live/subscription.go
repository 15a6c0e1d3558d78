package live

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/sour-is/livemsg/pkg/connection"
)

// Delivery is one page pushed to a subscriber. Seq increases with every push;
// a slow reader sees only the latest page, so gaps in Seq are expected.
type Delivery struct {
	Seq  uint64
	Page *connection.Page
}

// Subscription is the subscriber's handle on a live query.
type Subscription struct {
	id      ulid.ULID
	engine  *Engine
	mailbox chan *Delivery
	done    chan struct{}
	once    sync.Once

	current *Delivery
}

func newSubscription(e *Engine, id ulid.ULID) *Subscription {
	return &Subscription{
		id:      id,
		engine:  e,
		mailbox: make(chan *Delivery, 1),
		done:    make(chan struct{}),
	}
}

func (s *Subscription) ID() ulid.ULID { return s.id }

// put replaces any unread delivery with d. The registry lock serializes callers.
func (s *Subscription) put(d *Delivery) {
	select {
	case <-s.mailbox:
	default:
	}
	s.mailbox <- d
}

// Recv waits for the next delivery. It returns false once the subscription is
// closed or ctx is done.
func (s *Subscription) Recv(ctx context.Context) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case d := <-s.mailbox:
		s.current = d
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Page is the page returned by the last successful Recv.
func (s *Subscription) Page() *connection.Page {
	if s.current == nil {
		return nil
	}
	return s.current.Page
}

// Seq is the sequence number of the last successful Recv.
func (s *Subscription) Seq() uint64 {
	if s.current == nil {
		return 0
	}
	return s.current.Seq
}

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close deregisters the subscription. Pending deliveries are discarded.
func (s *Subscription) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.engine.remove(ctx, s.id)
	})
	return err
}
