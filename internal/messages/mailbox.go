package messages

import "context"

// Mailbox is a bounded message channel with a context-aware blocking
// receive; several goroutines may Send on one Mailbox (every network worker
// shares the process owner's outbound Mailbox). It stands in for the original
// implementation's moodycamel::BlockingConcurrentQueue wait_dequeue_timed.
// A plain buffered channel already gives Go the same semantics; Mailbox
// exists to name that channel and pair it with the two operations its
// callers need (Send/Recv) instead of passing a bare chan T around.
type Mailbox[T any] struct {
	ch chan T
}

// NewMailbox returns a Mailbox buffered to hold capacity messages before
// Send blocks.
func NewMailbox[T any](capacity int) *Mailbox[T] {
	return &Mailbox[T]{ch: make(chan T, capacity)}
}

// Send enqueues msg, blocking if the mailbox is full, until ctx is done.
func (m *Mailbox[T]) Send(ctx context.Context, msg T) error {
	select {
	case m.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv blocks until a message is available, ctx is cancelled, or deadline
// elapses (returning ok=false in the latter two cases).
func (m *Mailbox[T]) Recv(ctx context.Context) (msg T, ok bool) {
	select {
	case msg = <-m.ch:
		return msg, true
	case <-ctx.Done():
		return msg, false
	}
}

// Chan exposes the underlying channel for use in a select alongside a
// worker loop's own timer, e.g. for the idle-wait computed from
// executor.PollNext.
func (m *Mailbox[T]) Chan() chan T {
	return m.ch
}
