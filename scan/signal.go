package scan

import "sync"

// stopSignal is a level-triggered flag: once set, every waiter (current or future)
// observes it until it is reset.
type stopSignal struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func newStopSignal() *stopSignal {
	return &stopSignal{ch: make(chan struct{})}
}

func (s *stopSignal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.set {
		close(s.ch)
		s.set = true
	}
}

func (s *stopSignal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.set {
		s.ch = make(chan struct{})
		s.set = false
	}
}

// Done returns a channel closed once the signal is set.
func (s *stopSignal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ch
}
