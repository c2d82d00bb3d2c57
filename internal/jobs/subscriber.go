package jobs

import "sync"

// subscriber queues events for one listener without bounding or dropping
// them. A pump goroutine hands them to out in order; it exits after the
// terminal event is delivered or when the listener detaches.
type subscriber struct {
	out  chan Event
	wake chan struct{}
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	queue []Event
}

func newSubscriber() *subscriber {
	s := &subscriber{
		out:  make(chan Event),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// detach stops the pump; out is closed without the remaining events.
func (s *subscriber) detach() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
			if ev.Terminal() {
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
