package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TimerHandle identifies a single scheduled timer so CancelSuspend can
// be compared against the handle a prior CreateTimer call returned
// (spec.md §5, "pending suspends/retries ... are identified by opaque
// timer handles").
type TimerHandle uuid.UUID

// TimerService schedules one-shot callbacks on behalf of the audio
// thread's suspend/retry logic (reopening a device, resuming from
// -ESTRPIPE) without blocking the audio thread itself on a sleep.
// Firing happens on an internal goroutine; callbacks are delivered
// through MessageBus.Send so they ultimately run on the main thread,
// matching spec.md §4.I's single-main-thread dispatch rule.
type TimerService struct {
	mu     sync.Mutex
	timers map[TimerHandle]*time.Timer
	bus    *MessageBus
}

// NewTimerService returns a TimerService that posts fired timers to bus.
func NewTimerService(bus *MessageBus) *TimerService {
	return &TimerService{timers: make(map[TimerHandle]*time.Timer), bus: bus}
}

// CreateTimer schedules msg to be sent on the bus after d elapses,
// returning a handle CancelSuspend can later use to remove it.
func (s *TimerService) CreateTimer(d time.Duration, msg Message) TimerHandle {
	handle := TimerHandle(uuid.New())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[handle] = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, stillPending := s.timers[handle]
		delete(s.timers, handle)
		s.mu.Unlock()
		if stillPending {
			s.bus.Send(msg)
		}
	})
	return handle
}

// CancelSuspend removes the timer identified by handle if and only if
// it has not yet fired, reporting whether it did so (spec.md §5).
func (s *TimerService) CancelSuspend(handle TimerHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[handle]
	if !ok {
		return false
	}
	delete(s.timers, handle)
	return t.Stop()
}

// Pending reports how many timers are currently scheduled, for tests
// and debug dumps.
func (s *TimerService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
