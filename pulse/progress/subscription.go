package progress

import "sync"

// Subscription receives every event emitted after Subscribe, in order.
// Its queue is unbounded so the tracker never blocks on a slow reader.
type Subscription struct {
	id  uint64
	out chan Event

	mu      sync.Mutex
	pending []Event
	closed  bool
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newSubscription(id uint64) *Subscription {
	s := &Subscription{
		id:     id,
		out:    make(chan Event),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// C delivers events. It is closed after Unsubscribe or tracker Close,
// once the queued events have been delivered or dropped by Unsubscribe.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Pending returns how many events are queued but not yet received
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// drain closes the subscription after delivering what is already queued
func (s *Subscription) drain() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// stop closes the subscription and drops anything still queued
func (s *Subscription) stop() {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.pending = nil
	s.mu.Unlock()

	if !alreadyClosed {
		select {
		case s.signal <- struct{}{}:
		default:
		}
	}
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.pending[0]
		s.pending[0] = Event{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
