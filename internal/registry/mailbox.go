package registry

import "sync"

// mailbox is an unbounded FIFO between event senders and the registry loop.
// A pump goroutine buffers events so put never waits on the consumer.
type mailbox struct {
	in      chan Event
	out     chan Event
	closing chan struct{}
	once    sync.Once
}

func newMailbox() *mailbox {
	m := &mailbox{
		in:      make(chan Event),
		out:     make(chan Event),
		closing: make(chan struct{}),
	}
	go m.pump()
	return m
}

// put enqueues ev. It returns false once the mailbox is closed, in which case
// the event is discarded.
func (m *mailbox) put(ev Event) bool {
	select {
	case <-m.closing:
		return false
	default:
	}
	select {
	case m.in <- ev:
		return true
	case <-m.closing:
		return false
	}
}

// close stops accepting events. Events already queued are still delivered,
// after which out is closed.
func (m *mailbox) close() {
	m.once.Do(func() { close(m.closing) })
}

func (m *mailbox) pump() {
	defer close(m.out)

	var pending []Event
	in, closing := m.in, m.closing
	for {
		var out chan Event
		var next Event
		if len(pending) > 0 {
			out, next = m.out, pending[0]
		} else if closing == nil {
			return
		}

		select {
		case ev := <-in:
			pending = append(pending, ev)
		case out <- next:
			pending[0] = nil
			pending = pending[1:]
		case <-closing:
			in, closing = nil, nil
		}
	}
}
