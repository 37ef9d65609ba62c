// Package alarms schedules named wakeups at absolute times. Alarms are
// keyed by name and rescheduling replaces the previous alarm instead of
// stacking, which is what the lock-TTL protocol depends on.
package alarms

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler fires a single handler with the alarm name when an alarm's
// absolute time arrives.
type Scheduler struct {
	log *zap.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	gens    map[string]uint64
	when    map[string]time.Time
	handler func(name string)
	gen     uint64
	stopped bool
}

// New creates an empty scheduler.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		log:    logger.Named("alarms"),
		timers: make(map[string]*time.Timer),
		gens:   make(map[string]uint64),
		when:   make(map[string]time.Time),
	}
}

// OnAlarm installs the single firing handler, replacing any previous one.
func (s *Scheduler) OnAlarm(fn func(name string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// Create schedules the named alarm at an absolute time, replacing any
// pending alarm of the same name. Times in the past fire immediately.
func (s *Scheduler) Create(name string, when time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.timers[name]; ok {
		t.Stop()
	}
	// Each schedule gets a fresh generation. A replaced timer whose
	// callback already fired and is waiting on the lock must not consume
	// the alarm that superseded it.
	s.gen++
	gen := s.gen
	s.gens[name] = gen
	s.when[name] = when
	s.timers[name] = time.AfterFunc(time.Until(when), func() { s.fire(name, gen) })
	s.log.Debug("alarm scheduled", zap.String("name", name), zap.Time("when", when))
}

// Clear cancels the named alarm. Idempotent.
func (s *Scheduler) Clear(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
		delete(s.gens, name)
		delete(s.when, name)
	}
}

// Pending returns the scheduled time of a named alarm, if any.
func (s *Scheduler) Pending(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	when, ok := s.when[name]
	return when, ok
}

// Stop cancels every alarm and rejects further scheduling.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for name, t := range s.timers {
		t.Stop()
		delete(s.timers, name)
		delete(s.gens, name)
		delete(s.when, name)
	}
}

func (s *Scheduler) fire(name string, gen uint64) {
	s.mu.Lock()
	if s.gens[name] != gen {
		// Cleared or rescheduled between the timer firing and this
		// callback running; the alarm now belongs to a newer schedule.
		s.mu.Unlock()
		return
	}
	delete(s.timers, name)
	delete(s.gens, name)
	delete(s.when, name)
	handler := s.handler
	s.mu.Unlock()

	s.log.Debug("alarm fired", zap.String("name", name))
	if handler != nil {
		handler(name)
	}
}
