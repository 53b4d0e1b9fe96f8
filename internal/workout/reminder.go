package workout

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lowaak/smart-trainer/heart-beat/internal/events"
)

// Reminder publishes a WorkoutReady notification whenever a plan's cron
// schedule comes due. Expressions take an optional leading seconds field and
// descriptors such as @daily or @every 30m.
type Reminder struct {
	notifications *events.Broadcaster[Notification]
	clock         Clock
	logger        *log.Logger
	cron          *cron.Cron

	mu    sync.Mutex
	plans map[cron.EntryID]string

	stopOnce sync.Once
}

func NewReminder(notifications *events.Broadcaster[Notification], clock Clock, logger *log.Logger) *Reminder {
	if notifications == nil {
		panic("Reminder: notifications cannot be nil")
	}
	if clock == nil {
		panic("Reminder: clock cannot be nil")
	}
	if logger == nil {
		panic("Reminder: logger cannot be nil")
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Reminder{
		notifications: notifications,
		clock:         clock,
		logger:        logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cron.PrintfLogger(logger)),
		),
		plans: make(map[cron.EntryID]string),
	}
}

// Schedule validates plan and registers spec for it
func (r *Reminder) Schedule(plan Plan, spec string) (cron.EntryID, error) {
	if err := plan.Validate(); err != nil {
		return 0, err
	}
	name := plan.Name
	id, err := r.cron.AddFunc(spec, func() { r.fire(name) })
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err)
	}

	r.mu.Lock()
	r.plans[id] = name
	r.mu.Unlock()
	r.logger.Printf("Reminder: Scheduled %q at %q", name, spec)
	return id, nil
}

// Cancel removes a scheduled reminder
func (r *Reminder) Cancel(id cron.EntryID) {
	r.cron.Remove(id)
	r.mu.Lock()
	delete(r.plans, id)
	r.mu.Unlock()
}

// Next returns when the reminder fires next. It is zero before Start.
func (r *Reminder) Next(id cron.EntryID) (time.Time, bool) {
	entry := r.cron.Entry(id)
	if !entry.Valid() {
		return time.Time{}, false
	}
	return entry.Next, true
}

// Len is the number of scheduled reminders
func (r *Reminder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.plans)
}

func (r *Reminder) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for a running reminder until ctx is done.
// Safe to call multiple times.
func (r *Reminder) Stop(ctx context.Context) {
	r.stopOnce.Do(func() {
		select {
		case <-r.cron.Stop().Done():
		case <-ctx.Done():
			r.logger.Printf("Reminder: Stop timed out: %v", ctx.Err())
		}
	})
}

func (r *Reminder) fire(planName string) {
	r.logger.Printf("Reminder: %q is due", planName)
	r.notifications.Publish(Notification{
		Kind:      NotifyWorkoutReady,
		PlanName:  planName,
		Timestamp: r.clock.Now(),
	})
}
