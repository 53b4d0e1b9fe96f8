package workout

import (
	"time"

	"github.com/lowaak/smart-trainer/heart-beat/internal/hr"
	"github.com/lowaak/smart-trainer/heart-beat/internal/session"
	"github.com/lowaak/smart-trainer/heart-beat/internal/zone"
)

// Orchestrator runs a single workout session: it owns the phase scheduler and
// the sample history, and turns samples and clock readings into progress.
// It is not safe for concurrent use; Manager holds its lock around every call.
type Orchestrator struct {
	id        string
	plan      Plan
	state     SessionState
	scheduler *PhaseScheduler

	startedAt time.Time
	lastTick  time.Time

	samples    []hr.FilteredSample
	lastSample hr.FilteredSample
	hasSample  bool
	signalLost bool
	timeInZone [5]time.Duration

	deviation deviationTracker
	notes     []Notification
}

// newOrchestrator expects a validated plan
func newOrchestrator(plan Plan, now time.Time, deviationHold time.Duration) *Orchestrator {
	return &Orchestrator{
		id:        session.NewID(),
		plan:      plan,
		state:     StateRunning,
		scheduler: NewPhaseScheduler(plan.Phases),
		startedAt: now,
		lastTick:  now,
		samples:   make([]hr.FilteredSample, 0, 256),
		deviation: newDeviationTracker(deviationHold),
	}
}

func (o *Orchestrator) ID() string {
	return o.id
}

func (o *Orchestrator) State() SessionState {
	return o.state
}

// advance moves the scheduler by the time passed since the previous reading.
// Only running time counts. Returns true when the plan just ran out.
func (o *Orchestrator) advance(now time.Time) bool {
	if o.state != StateRunning {
		return false
	}
	delta := now.Sub(o.lastTick)
	if delta <= 0 {
		return false
	}
	o.lastTick = now

	delta = min(delta, o.scheduler.TotalRemaining())
	o.accountZoneTime(delta)
	from := o.scheduler.Current().Index
	if o.scheduler.Tick(delta) {
		o.state = StateCompleted
		return true
	}
	if current := o.scheduler.Current(); current.Index != from {
		o.deviation.reset()
		o.notify(Notification{
			Kind:      NotifyPhaseTransition,
			FromPhase: from,
			ToPhase:   current.Index,
			PhaseName: current.Name,
			Timestamp: now,
		})
	}
	return false
}

// checkZone feeds the zone status of the last sample to the deviation tracker
func (o *Orchestrator) checkZone(now time.Time) {
	if o.state != StateRunning || !o.hasSample || o.signalLost {
		return
	}
	target := o.scheduler.Current().Target
	bpm := o.lastSample.FilteredBPM
	if status, report := o.deviation.check(target.Evaluate(bpm), now); report {
		o.notify(Notification{
			Kind:      NotifyZoneDeviation,
			Deviation: status,
			BPM:       bpm,
			Target:    target,
			Timestamp: now,
		})
	}
}

func (o *Orchestrator) notify(n Notification) {
	n.SessionID = o.id
	n.PlanName = o.plan.Name
	o.notes = append(o.notes, n)
}

// takeNotifications returns and clears the notifications raised since the last call
func (o *Orchestrator) takeNotifications() []Notification {
	notes := o.notes
	o.notes = nil
	return notes
}

// accountZoneTime credits delta to the training zone of the last known bpm
func (o *Orchestrator) accountZoneTime(delta time.Duration) {
	if !o.hasSample {
		return
	}
	z, err := zone.Calculate(o.lastSample.FilteredBPM, o.plan.ZoneMaxHR())
	if err != nil || z == zone.ZoneNone {
		return
	}
	o.timeInZone[z-zone.Zone1] += delta
}

// ingest appends a sample to the history; callers advance first
func (o *Orchestrator) ingest(sample hr.FilteredSample) bool {
	if o.state != StateRunning {
		return false
	}
	o.samples = append(o.samples, sample)
	o.lastSample = sample
	o.hasSample = true
	return true
}

func (o *Orchestrator) pause() error {
	if o.state != StateRunning {
		return ErrNotRunning
	}
	o.state = StatePaused
	o.deviation.restart()
	return nil
}

// resume restarts the clock at now so the paused interval is never counted
func (o *Orchestrator) resume(now time.Time) error {
	if o.state != StatePaused {
		return ErrNotPaused
	}
	o.state = StateRunning
	o.lastTick = now
	return nil
}

func (o *Orchestrator) setSignalLost(lost bool) {
	if lost && !o.signalLost {
		o.deviation.restart()
	}
	o.signalLost = lost
}

// snapshot materializes the session as a record without changing its state
func (o *Orchestrator) snapshot(status session.Status, now time.Time) session.CompletedSession {
	samples := make([]hr.FilteredSample, len(o.samples))
	copy(samples, o.samples)

	var zoneSecs [5]uint32
	for i, d := range o.timeInZone {
		zoneSecs[i] = uint32(d / time.Second)
	}

	return session.CompletedSession{
		ID:              o.id,
		PlanName:        o.plan.Name,
		StartTime:       o.startedAt.Round(0),
		EndTime:         now.Round(0),
		Status:          status,
		HRSamples:       samples,
		PhasesCompleted: o.scheduler.PhasesCompleted(),
		PhaseCount:      o.scheduler.PhaseCount(),
		MaxHR:           o.plan.ZoneMaxHR(),
		Summary:         session.NewSummary(samples, o.scheduler.TotalElapsed(), zoneSecs),
	}
}

// finish ends the session. Running time up to now is accounted first; if that
// exhausts the plan the record is Completed whatever status was asked for.
func (o *Orchestrator) finish(status session.Status, now time.Time) session.CompletedSession {
	if o.advance(now) {
		status = session.StatusCompleted
	}
	if status == session.StatusCompleted {
		o.state = StateCompleted
	} else {
		o.state = StateStopped
	}
	return o.snapshot(status, now)
}

func (o *Orchestrator) progress(now time.Time) SessionProgress {
	current := o.scheduler.Current()
	p := SessionProgress{
		SessionID:      o.id,
		PlanName:       o.plan.Name,
		State:          o.state,
		Phase:          current,
		PhaseCount:     o.scheduler.PhaseCount(),
		TotalElapsed:   o.scheduler.TotalElapsed(),
		TotalRemaining: o.scheduler.TotalRemaining(),
		SignalLost:     o.signalLost,
		Timestamp:      now,
	}
	if o.hasSample {
		p.CurrentBPM = o.lastSample.FilteredBPM
		p.HasBPM = true
		p.RMSSD = o.lastSample.RMSSD
		p.HasRMSSD = o.lastSample.HasRMSSD
		p.ZoneStatus = current.Target.Evaluate(o.lastSample.FilteredBPM)
	}
	return p
}
