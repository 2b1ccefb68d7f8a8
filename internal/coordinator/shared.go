package coordinator

import (
	"context"
	"sync"
	"time"
)

// Shared is the coordination state workers have in common: the target, the
// slot signal and the stop flag. Every field sits behind one mutex and no
// method holds it across a blocking call. Run counters live in metrics.Stats
// under their own lock.
type Shared struct {
	mu sync.Mutex

	targetURL string

	stopped bool
	stopCh  chan struct{}

	// slotCh is closed when the signal is raised and replaced when cleared,
	// so waiters only see raises that happen after they start waiting.
	slotRaised bool
	slotCh     chan struct{}
}

// NewShared creates empty shared state.
func NewShared() *Shared {
	return &Shared{
		stopCh: make(chan struct{}),
		slotCh: make(chan struct{}),
	}
}

// PublishTarget records the month URL with bookable days and raises the slot
// signal. It reports whether the target differs from the previous one.
func (s *Shared) PublishTarget(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.targetURL != url
	s.targetURL = url
	if !s.slotRaised {
		s.slotRaised = true
		close(s.slotCh)
	}
	return changed
}

// Target returns the last published URL.
func (s *Shared) Target() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetURL, s.targetURL != ""
}

// SlotRaised reports whether the slot signal is currently up.
func (s *Shared) SlotRaised() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slotRaised
}

// ClearSlot lowers the slot signal. The published target is kept.
func (s *Shared) ClearSlot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slotRaised {
		s.slotRaised = false
		s.slotCh = make(chan struct{})
	}
}

// WaitSlot blocks until the slot signal is up, the wait elapses, the run
// stops or ctx ends. It reports whether the signal was seen.
func (s *Shared) WaitSlot(ctx context.Context, wait time.Duration) bool {
	s.mu.Lock()
	raised, ch, stop := s.slotRaised, s.slotCh, s.stopCh
	s.mu.Unlock()
	if raised {
		return true
	}
	if wait <= 0 {
		return false
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
	case <-stop:
	case <-ctx.Done():
	}
	return false
}

// Stop sets the terminal stop signal. Later calls are no-ops.
func (s *Shared) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
}

// Stopped reports whether Stop was called.
func (s *Shared) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Done is closed by Stop.
func (s *Shared) Done() <-chan struct{} { return s.stopCh }

// Sleep pauses for d unless the run stops or ctx ends first. It returns
// false when interrupted.
func (s *Shared) Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil && !s.Stopped()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}
