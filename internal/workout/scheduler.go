package workout

import "time"

// PhaseScheduler tracks the current phase of a plan and the time spent in it.
// It is not safe for concurrent use; the owning Orchestrator serializes access.
type PhaseScheduler struct {
	phases  []Phase
	index   int
	elapsed time.Duration // within the current phase
	// finished is the summed duration of the phases before index
	finished time.Duration
	total    time.Duration
	done     bool
}

// NewPhaseScheduler panics on an empty phase list; plans are validated before
// a scheduler is ever built.
func NewPhaseScheduler(phases []Phase) *PhaseScheduler {
	if len(phases) == 0 {
		panic("PhaseScheduler: phases cannot be empty")
	}
	s := &PhaseScheduler{phases: phases}
	for _, p := range phases {
		s.total += p.Duration
	}
	return s
}

// Tick advances the current phase by delta. Time past the end of a phase is
// carried into the next one; a phase whose end is reached exactly completes on
// this tick. Returns true once every phase is done.
func (s *PhaseScheduler) Tick(delta time.Duration) bool {
	if s.done || delta <= 0 {
		return s.done
	}
	s.elapsed += delta
	for s.elapsed >= s.phases[s.index].Duration {
		duration := s.phases[s.index].Duration
		if s.index == len(s.phases)-1 {
			s.elapsed = duration
			s.done = true
			break
		}
		s.elapsed -= duration
		s.finished += duration
		s.index++
	}
	return s.done
}

// Current returns the progress of the current phase. After completion it keeps
// reporting the last phase as fully elapsed.
func (s *PhaseScheduler) Current() PhaseProgress {
	p := s.phases[s.index]
	return PhaseProgress{
		Index:     s.index,
		Name:      p.Name,
		Elapsed:   s.elapsed,
		Remaining: max(0, p.Duration-s.elapsed),
		Target:    p.Target,
	}
}

// PhaseRemaining returns the time left in phase i: zero for finished phases,
// the full duration for those not started yet
func (s *PhaseScheduler) PhaseRemaining(i int) time.Duration {
	switch {
	case i < 0 || i >= len(s.phases):
		return 0
	case i < s.index:
		return 0
	case i == s.index:
		return max(0, s.phases[i].Duration-s.elapsed)
	default:
		return s.phases[i].Duration
	}
}

// Reset returns to the start of the first phase
func (s *PhaseScheduler) Reset() {
	s.index = 0
	s.elapsed = 0
	s.finished = 0
	s.done = false
}

func (s *PhaseScheduler) Done() bool {
	return s.done
}

// PhasesCompleted is the number of phases run to their end
func (s *PhaseScheduler) PhasesCompleted() int {
	if s.done {
		return len(s.phases)
	}
	return s.index
}

func (s *PhaseScheduler) PhaseCount() int {
	return len(s.phases)
}

func (s *PhaseScheduler) TotalElapsed() time.Duration {
	return s.finished + s.elapsed
}

func (s *PhaseScheduler) TotalRemaining() time.Duration {
	return s.total - s.TotalElapsed()
}

func (s *PhaseScheduler) TotalDuration() time.Duration {
	return s.total
}
