package session

import "sync"

// mailbox is an unbounded FIFO of loop events. put never blocks, so
// transport goroutines can always hand off and move on.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

// put enqueues fn. It reports false once the mailbox is closed.
func (mb *mailbox) put(fn func()) bool {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return false
	}
	mb.queue = append(mb.queue, fn)
	mb.mu.Unlock()
	mb.wake()
	return true
}

// drain takes everything queued. open is false once the mailbox has been
// closed; the returned batch is still the last to run.
func (mb *mailbox) drain() (batch []func(), open bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	batch, mb.queue = mb.queue, nil
	return batch, !mb.closed
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	mb.closed = true
	mb.mu.Unlock()
	mb.wake()
}

func (mb *mailbox) wake() {
	select {
	case mb.signal <- struct{}{}:
	default:
	}
}
