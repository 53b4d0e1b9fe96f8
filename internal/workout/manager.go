package workout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/heart-beat/internal/events"
	"github.com/lowaak/smart-trainer/heart-beat/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/heart-beat/internal/hr"
	"github.com/lowaak/smart-trainer/heart-beat/internal/session"
)

// DisconnectPolicy decides what a sensor drop does to a running session
type DisconnectPolicy string

const (
	DisconnectPause    DisconnectPolicy = "pause"
	DisconnectStop     DisconnectPolicy = "stop"
	DisconnectContinue DisconnectPolicy = "continue"
)

func ParseDisconnectPolicy(s string) (DisconnectPolicy, error) {
	p := DisconnectPolicy(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case DisconnectPause, DisconnectStop, DisconnectContinue:
		return p, nil
	}
	return "", fmt.Errorf("unknown disconnect policy %q (want pause, stop or continue)", s)
}

// Default values
const (
	DefaultTickInterval    = time.Second
	DefaultCheckpointEvery = 10
	persistTimeout         = 10 * time.Second
)

// ManagerConfig holds the tunables of Manager
type ManagerConfig struct {
	// TickInterval drives progress while no samples arrive; 0 disables the
	// internal ticker and leaves ticking to the caller (see Tick)
	TickInterval     time.Duration
	DisconnectPolicy DisconnectPolicy
	// CheckpointEvery is the number of ticks between checkpoints, 0 disables them
	CheckpointEvery  int
	SubscriberBuffer int
	// DeviationHold is how long heart rate must stay out of zone before a
	// ZoneDeviation notification; 0 means DefaultDeviationHold
	DeviationHold time.Duration
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		TickInterval:     DefaultTickInterval,
		DisconnectPolicy: DisconnectPause,
		CheckpointEvery:  DefaultCheckpointEvery,
		SubscriberBuffer: events.DefaultBufferSize,
		DeviationHold:    DefaultDeviationHold,
	}
}

type persistKind int

const (
	persistSave persistKind = iota
	persistCheckpoint
)

type persistJob struct {
	kind    persistKind
	session session.CompletedSession
}

// Manager owns the single active session slot. It feeds samples through the
// filter into the active Orchestrator, publishes filtered samples and progress
// snapshots, and hands finished sessions to the store in the background.
type Manager struct {
	filter *hr.SampleFilter
	store  session.Store
	clock  Clock
	config ManagerConfig
	logger *log.Logger

	// Active session (protected by mu)
	mu         sync.Mutex
	active     *Orchestrator
	signalLost bool
	batteryLow bool
	ticks      int

	samples       *events.Broadcaster[hr.FilteredSample]
	progress      *events.Broadcaster[SessionProgress]
	notifications *events.Broadcaster[Notification]
	completed     *events.Hook[session.CompletedSession]

	// Persistence queue, drained in order by a single worker
	queueMu     sync.Mutex
	queue       []persistJob
	queueSignal chan struct{}

	// Goroutine management
	doneChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewManager creates a Manager and starts its background goroutines
func NewManager(filter *hr.SampleFilter, store session.Store, clock Clock, config ManagerConfig, logger *log.Logger) *Manager {
	if filter == nil {
		panic("Manager: filter cannot be nil")
	}
	if store == nil {
		panic("Manager: store cannot be nil")
	}
	if logger == nil {
		panic("Manager: logger cannot be nil")
	}
	if clock == nil {
		clock = SystemClock()
	}
	if config.DisconnectPolicy == "" {
		config.DisconnectPolicy = DisconnectPause
	}
	if config.DeviationHold <= 0 {
		config.DeviationHold = DefaultDeviationHold
	}

	m := &Manager{
		filter:        filter,
		store:         store,
		clock:         clock,
		config:        config,
		logger:        logger,
		samples:       events.NewBroadcaster[hr.FilteredSample](config.SubscriberBuffer, false),
		progress:      events.NewBroadcaster[SessionProgress](config.SubscriberBuffer, true),
		notifications: events.NewBroadcaster[Notification](config.SubscriberBuffer, false),
		completed:     events.NewHook[session.CompletedSession](),
		queueSignal:   make(chan struct{}, 1),
		doneChan:      make(chan struct{}),
	}

	go_func_utils.SafeGoWG(logger, &m.wg, m.runPersistLoop)
	if config.TickInterval > 0 {
		go_func_utils.SafeGoWG(logger, &m.wg, m.runTickLoop)
	}
	return m
}

// SampleEvents carries every filtered sample, with or without a session
func (m *Manager) SampleEvents() *events.Broadcaster[hr.FilteredSample] {
	return m.samples
}

// ProgressEvents carries session progress; a new subscriber first receives the latest snapshot
func (m *Manager) ProgressEvents() *events.Broadcaster[SessionProgress] {
	return m.progress
}

// NotificationEvents carries biofeedback alerts: sustained zone deviations,
// phase changes, a low sensor battery and a lost sensor
func (m *Manager) NotificationEvents() *events.Broadcaster[Notification] {
	return m.notifications
}

// OnCompleted registers a callback run for every finished session, before it is persisted
func (m *Manager) OnCompleted(callback func(session.CompletedSession)) func() {
	return m.completed.Register(callback)
}

// Store returns the persistence collaborator
func (m *Manager) Store() session.Store {
	return m.store
}

// StartWorkout validates plan and starts it in the empty slot
func (m *Manager) StartWorkout(plan Plan) (SessionProgress, error) {
	if err := plan.Validate(); err != nil {
		return SessionProgress{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return SessionProgress{}, fmt.Errorf("%w: %s (%s)", ErrSessionAlreadyActive, m.active.plan.Name, m.active.state)
	}

	now := m.clock.Now()
	m.active = newOrchestrator(plan, now, m.config.DeviationHold)
	m.active.setSignalLost(m.signalLost)
	m.ticks = 0

	m.logger.Printf("Manager: Session %s started, plan %q, %d phases, %s",
		m.active.id, plan.Name, len(plan.Phases), plan.TotalDuration())
	return m.publishProgressLocked(now), nil
}

func (m *Manager) PauseWorkout() (SessionProgress, error) {
	var completed *session.CompletedSession
	p, err := func() (SessionProgress, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.active == nil {
			return SessionProgress{}, fmt.Errorf("%w: %w", ErrNotRunning, ErrNoActiveSession)
		}
		now := m.clock.Now()
		if m.active.advance(now) {
			cs, p := m.finishLocked(session.StatusCompleted, now)
			completed = &cs
			return p, fmt.Errorf("%w: session completed", ErrNotRunning)
		}
		if err := m.active.pause(); err != nil {
			return m.active.progress(now), fmt.Errorf("%w: session is %s", err, m.active.state)
		}
		m.logger.Printf("Manager: Session %s paused", m.active.id)
		return m.publishProgressLocked(now), nil
	}()

	if completed != nil {
		m.handleCompleted(*completed)
	}
	return p, err
}

func (m *Manager) ResumeWorkout() (SessionProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return SessionProgress{}, fmt.Errorf("%w: %w", ErrNotPaused, ErrNoActiveSession)
	}
	now := m.clock.Now()
	if err := m.active.resume(now); err != nil {
		return m.active.progress(now), fmt.Errorf("%w: session is %s", err, m.active.state)
	}
	m.logger.Printf("Manager: Session %s resumed", m.active.id)
	return m.publishProgressLocked(now), nil
}

// StopWorkout ends the running or paused session as Stopped and returns its record
func (m *Manager) StopWorkout() (session.CompletedSession, error) {
	cs, err := func() (session.CompletedSession, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.active == nil {
			return session.CompletedSession{}, fmt.Errorf("%w: %w", ErrNotRunning, ErrNoActiveSession)
		}
		cs, _ := m.finishLocked(session.StatusStopped, m.clock.Now())
		return cs, nil
	}()
	if err != nil {
		return session.CompletedSession{}, err
	}

	m.handleCompleted(cs)
	return cs, nil
}

// IngestSample filters raw and, when a session is running, applies it.
// Samples are always published on SampleEvents; a paused session ignores them.
func (m *Manager) IngestSample(raw hr.RawSample) (hr.FilteredSample, error) {
	var completed *session.CompletedSession
	filtered, err := func() (hr.FilteredSample, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		filtered, err := m.filter.Ingest(raw)
		if err != nil {
			return hr.FilteredSample{}, err
		}
		m.samples.Publish(filtered)

		if m.active == nil || m.active.state != StateRunning {
			return filtered, nil
		}
		now := m.clock.Now()
		if m.active.advance(now) {
			cs, _ := m.finishLocked(session.StatusCompleted, now)
			completed = &cs
			return filtered, nil
		}
		m.active.ingest(filtered)
		m.active.checkZone(now)
		m.publishProgressLocked(now)
		return filtered, nil
	}()

	if completed != nil {
		m.handleCompleted(*completed)
	}
	return filtered, err
}

// ConsumeSamples ingests from ch until it closes or ctx is done. A closed
// channel is the end of the sensor stream and is reported as a disconnect.
func (m *Manager) ConsumeSamples(ctx context.Context, ch <-chan hr.RawSample) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				m.logger.Printf("Manager: Sample stream ended")
				m.DeviceDisconnected()
				return
			}
			if _, err := m.IngestSample(raw); err != nil {
				if errors.Is(err, hr.ErrInvalidSample) {
					m.logger.Printf("Manager: Dropped sample: %v", err)
					continue
				}
				m.logger.Printf("Manager: Failed to ingest sample: %v", err)
			}
		}
	}
}

// DeviceDisconnected flags the signal gap and applies the disconnect policy
func (m *Manager) DeviceDisconnected() {
	var completed *session.CompletedSession
	func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		now := m.clock.Now()
		if !m.signalLost {
			n := Notification{Kind: NotifyConnectionLost, Timestamp: now}
			if m.active != nil {
				n.SessionID = m.active.id
				n.PlanName = m.active.plan.Name
			}
			m.notifications.Publish(n)
		}
		m.signalLost = true
		if m.active == nil {
			return
		}
		m.active.setSignalLost(true)
		m.logger.Printf("Manager: Sensor disconnected during session %s, policy %s", m.active.id, m.config.DisconnectPolicy)

		switch m.config.DisconnectPolicy {
		case DisconnectStop:
			cs, _ := m.finishLocked(session.StatusStopped, now)
			completed = &cs
			return
		case DisconnectPause:
			if m.active.advance(now) {
				cs, _ := m.finishLocked(session.StatusCompleted, now)
				completed = &cs
				return
			}
			if m.active.state == StateRunning {
				if err := m.active.pause(); err != nil {
					m.logger.Printf("Manager: Failed to pause session %s: %v", m.active.id, err)
				}
			}
		}
		m.publishProgressLocked(now)
	}()

	if completed != nil {
		m.handleCompleted(*completed)
	}
}

// DeviceReconnected clears the signal gap and restarts the filter. A session
// paused by the disconnect stays paused until resumed.
func (m *Manager) DeviceReconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.signalLost = false
	m.filter.Reset()
	if m.active == nil {
		return
	}
	m.active.setSignalLost(false)
	m.logger.Printf("Manager: Sensor reconnected during session %s", m.active.id)
	m.publishProgressLocked(m.clock.Now())
}

// BatteryChanged raises a BatteryLow notification when the sensor battery
// drops into the low range. It fires again only after the level recovered.
func (m *Manager) BatteryChanged(level hr.BatteryLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()

	low := level.IsLow()
	if low && !m.batteryLow {
		n := Notification{Kind: NotifyBatteryLow, BatteryPercent: level.Percent, Timestamp: m.clock.Now()}
		if m.active != nil {
			n.SessionID = m.active.id
			n.PlanName = m.active.plan.Name
		}
		m.logger.Printf("Manager: Sensor battery low (%d%%)", level.Percent)
		m.notifications.Publish(n)
	}
	m.batteryLow = low
}

// Progress returns a snapshot of the active session, false when the slot is empty
func (m *Manager) Progress() (SessionProgress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return SessionProgress{State: StateIdle, SignalLost: m.signalLost}, false
	}
	return m.active.progress(m.clock.Now()), true
}

// Active reports whether a session is running or paused
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// Tick advances the running session to the current clock reading
func (m *Manager) Tick() {
	result := m.handleTick()
	if result.completed != nil {
		m.handleCompleted(*result.completed)
	}
}

// RecoverCheckpoint stores a session left behind by a crash as Interrupted.
// It is meant to run once at startup, before any session is started.
func (m *Manager) RecoverCheckpoint(ctx context.Context) (session.CompletedSession, bool, error) {
	cp, ok := m.store.(session.Checkpointer)
	if !ok {
		return session.CompletedSession{}, false, nil
	}
	cs, found, err := cp.LoadCheckpoint(ctx)
	if err != nil {
		return session.CompletedSession{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	if !found {
		return session.CompletedSession{}, false, nil
	}

	cs.Status = session.StatusInterrupted
	if err := m.store.Save(ctx, cs); err != nil && !errors.Is(err, session.ErrSessionExists) {
		return session.CompletedSession{}, false, fmt.Errorf("save interrupted session %s: %w", cs.ID, err)
	}
	if err := cp.ClearCheckpoint(ctx); err != nil {
		return cs, true, fmt.Errorf("clear checkpoint: %w", err)
	}
	m.logger.Printf("Manager: Recovered interrupted session %s (%s)", cs.ID, cs.PlanName)
	return cs, true, nil
}

// Shutdown ends an active session as Interrupted, waits for pending writes
// and closes the event streams. Safe to call multiple times.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.logger.Printf("Manager: Shutting down")

		var completed *session.CompletedSession
		func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.active != nil {
				cs, _ := m.finishLocked(session.StatusInterrupted, m.clock.Now())
				completed = &cs
			}
		}()
		if completed != nil {
			m.handleCompleted(*completed)
		}

		close(m.doneChan)
		m.wg.Wait()
		m.samples.Close()
		m.progress.Close()
		m.notifications.Close()
		m.logger.Printf("Manager: Shutdown complete")
	})
}

// --- Private Methods ---

// publishProgressLocked MUST be called with mu held and an active session.
// Publishing under mu keeps every subscriber's stream in production order.
func (m *Manager) publishProgressLocked(now time.Time) SessionProgress {
	for _, n := range m.active.takeNotifications() {
		m.notifications.Publish(n)
	}
	p := m.active.progress(now)
	m.progress.Publish(p)
	return p
}

// finishLocked MUST be called with mu held and an active session. It frees
// the slot, publishes the final progress and queues the record for saving.
func (m *Manager) finishLocked(status session.Status, now time.Time) (session.CompletedSession, SessionProgress) {
	cs := m.active.finish(status, now)
	p := m.publishProgressLocked(now)
	m.logger.Printf("Manager: Session %s ended as %s after %ds, %d samples, %d/%d phases",
		cs.ID, cs.Status, cs.Summary.DurationSecs, len(cs.HRSamples), cs.PhasesCompleted, cs.PhaseCount)
	m.active = nil
	m.enqueue(persistJob{kind: persistSave, session: cs})
	return cs, p
}

// handleCompleted runs outside mu
func (m *Manager) handleCompleted(cs session.CompletedSession) {
	m.completed.Fire(cs)
}

// tickResult holds the result of processing a tick
type tickResult struct {
	skip      bool
	progress  SessionProgress
	completed *session.CompletedSession
}

func (m *Manager) handleTick() tickResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.state != StateRunning {
		return tickResult{skip: true}
	}

	now := m.clock.Now()
	if m.active.advance(now) {
		cs, p := m.finishLocked(session.StatusCompleted, now)
		return tickResult{progress: p, completed: &cs}
	}

	m.active.checkZone(now)
	m.ticks++
	if m.config.CheckpointEvery > 0 && m.ticks%m.config.CheckpointEvery == 0 {
		if _, ok := m.store.(session.Checkpointer); ok {
			m.enqueue(persistJob{kind: persistCheckpoint, session: m.active.snapshot(session.StatusInterrupted, now)})
		}
	}
	return tickResult{progress: m.publishProgressLocked(now)}
}

func (m *Manager) runTickLoop() {
	ticker := time.NewTicker(m.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.doneChan:
			m.logger.Printf("Manager: Tick goroutine exiting")
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

func (m *Manager) enqueue(job persistJob) {
	m.queueMu.Lock()
	m.queue = append(m.queue, job)
	m.queueMu.Unlock()

	select {
	case m.queueSignal <- struct{}{}:
	default:
	}
}

func (m *Manager) dequeueAll() []persistJob {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	jobs := m.queue
	m.queue = nil
	return jobs
}

// runPersistLoop writes queued jobs in order; on shutdown it drains the queue first
func (m *Manager) runPersistLoop() {
	for {
		select {
		case <-m.doneChan:
			m.runJobs(m.dequeueAll())
			m.logger.Printf("Manager: Persist goroutine exiting")
			return
		case <-m.queueSignal:
			m.runJobs(m.dequeueAll())
		}
	}
}

func (m *Manager) runJobs(jobs []persistJob) {
	for _, job := range jobs {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		switch job.kind {
		case persistSave:
			if err := m.store.Save(ctx, job.session); err != nil {
				m.logger.Printf("Manager: Failed to save session %s: %v", job.session.ID, err)
			} else {
				m.logger.Printf("Manager: Saved session %s", job.session.ID)
			}
			if cp, ok := m.store.(session.Checkpointer); ok {
				if err := cp.ClearCheckpoint(ctx); err != nil {
					m.logger.Printf("Manager: Failed to clear checkpoint: %v", err)
				}
			}
		case persistCheckpoint:
			if cp, ok := m.store.(session.Checkpointer); ok {
				if err := cp.SaveCheckpoint(ctx, job.session); err != nil {
					m.logger.Printf("Manager: Failed to checkpoint session %s: %v", job.session.ID, err)
				}
			}
		}
		cancel()
	}
}
