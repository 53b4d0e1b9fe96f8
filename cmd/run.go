package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/lowaak/smart-trainer/heart-beat/internal/bt"
	"github.com/lowaak/smart-trainer/heart-beat/internal/dashboard"
	"github.com/lowaak/smart-trainer/heart-beat/internal/events"
	"github.com/lowaak/smart-trainer/heart-beat/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/heart-beat/internal/hr"
	"github.com/lowaak/smart-trainer/heart-beat/internal/server"
	"github.com/lowaak/smart-trainer/heart-beat/internal/session"
	"github.com/lowaak/smart-trainer/heart-beat/internal/workout"
)

// progressPrintInterval throttles console progress lines between state or phase changes
const progressPrintInterval = 5 * time.Second

type runOptions struct {
	plan      string
	device    string
	mock      bool
	dashboard bool
	serve     bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run --plan <name|file>",
		Short: "Run a heart rate guided workout",
		Long: "Run a workout plan against a heart rate sensor.\n\n" +
			"Keys: p pause, r resume, s stop, q quit (type the letter and Enter without --dashboard).",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(opts.plan) == "" {
				return fmt.Errorf("--plan is required")
			}
			a, err := loadApp(cmd, !opts.dashboard)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runWorkout(ctx, a, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.plan, "plan", "", "built-in plan name or plan file")
	flags.StringVar(&opts.device, "device", "", "sensor device id (default first one found)")
	flags.BoolVar(&opts.mock, "mock", false, "use the simulated sensor")
	flags.BoolVar(&opts.dashboard, "dashboard", false, "show the terminal dashboard")
	flags.BoolVar(&opts.serve, "serve", false, "serve live events and the sessions API on server.addr")
	return cmd
}

func runWorkout(ctx context.Context, a *app, opts runOptions, in io.Reader, out io.Writer) error {
	logger := a.logger.Logger

	plan, err := workout.ResolvePlan(opts.plan)
	if err != nil {
		return err
	}
	if plan.MaxHR == 0 {
		plan.MaxHR = a.cfg.Session.MaxHR
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("Run: Error closing store: %v", err)
		}
	}()

	filter := hr.NewSampleFilter(a.cfg.HRFilter())
	manager := workout.NewManager(filter, store, workout.SystemClock(), a.cfg.Manager(), logger)
	defer manager.Shutdown()

	if cs, ok, err := manager.RecoverCheckpoint(ctx); err != nil {
		logger.Printf("Run: Checkpoint recovery failed: %v", err)
	} else if ok {
		_, _ = fmt.Fprintf(out, "recovered interrupted session %s (%s)\n", cs.ID, cs.PlanName)
	}

	sensor, err := a.newSensor(opts.mock, bt.DefaultMockSensorConfig())
	if err != nil {
		return err
	}
	defer sensor.Shutdown()

	deviceID := opts.device
	if deviceID == "" {
		if deviceID, err = firstDevice(ctx, sensor, a.cfg.Bluetooth.ScanTimeout); err != nil {
			return err
		}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancelRun()
		_ = sensor.Disconnect()
		wg.Wait()
	}()

	// subscribe before connecting so the first drop is seen
	statusSub := sensor.StatusEvents().Subscribe()
	defer statusSub.Unsubscribe()
	batterySub := sensor.BatteryEvents().Subscribe()
	defer batterySub.Unsubscribe()

	samples, err := sensor.Connect(ctx, deviceID)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "connected to %s\n", deviceID)

	go_func_utils.SafeGoWG(logger, &wg, func() {
		bridgeSensorStatus(runCtx, statusSub, manager)
	})
	go_func_utils.SafeGoWG(logger, &wg, func() {
		bridgeBattery(runCtx, batterySub, manager)
	})
	go_func_utils.SafeGoWG(logger, &wg, func() {
		manager.ConsumeSamples(runCtx, samples)
	})

	completed := make(chan session.CompletedSession, 1)
	unregister := manager.OnCompleted(func(cs session.CompletedSession) {
		select {
		case completed <- cs:
		default:
		}
	})
	defer unregister()

	if opts.serve {
		srv := server.NewServer(server.Sources{
			Samples:       manager.SampleEvents(),
			Progress:      manager.ProgressEvents(),
			Battery:       sensor.BatteryEvents(),
			Connection:    sensor.StatusEvents(),
			Scan:          sensor.ScanEvents(),
			Notifications: manager.NotificationEvents(),
		}, store, logger)
		go_func_utils.SafeGoWG(logger, &wg, func() {
			if err := srv.ListenAndServe(runCtx, a.cfg.Server.Addr); err != nil {
				logger.Printf("Run: Server stopped: %v", err)
			}
			srv.Close()
		})
		_, _ = fmt.Fprintf(out, "serving on http://%s\n", a.cfg.Server.Addr)
	}

	var d *dashboard.Dashboard
	if opts.dashboard {
		d = dashboard.NewDashboard(dashboard.NewDashboardArg{
			Title: plan.Name,
			Sources: dashboard.Sources{
				Progress:      manager.ProgressEvents(),
				Battery:       sensor.BatteryEvents(),
				Status:        sensor.StatusEvents(),
				Notifications: manager.NotificationEvents(),
			},
			Controller: manager,
			Logger:     logger,
		})
		a.logger.Tee(d)
	}

	if _, err := manager.StartWorkout(plan); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "started %q, %s\n", plan.Name, plan.TotalDuration())

	var result session.CompletedSession
	var finished bool
	if d != nil {
		go_func_utils.SafeGoWG(logger, &wg, func() {
			select {
			case cs := <-completed:
				completed <- cs
				d.Stop()
			case <-d.Done():
			}
		})
		if err := d.Run(runCtx); err != nil {
			return err
		}
		select {
		case result = <-completed:
			finished = true
		default:
		}
	} else {
		result, finished = runConsole(runCtx, manager, in, out, completed, logger)
	}

	if !finished {
		cs, err := manager.StopWorkout()
		if err != nil {
			// the session ended while we were shutting down
			select {
			case cs = <-completed:
			case <-time.After(time.Second):
				return err
			}
		}
		result = cs
	}

	summary, err := session.Encode(result, session.FormatSummary)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "\nsession %s\n%s", result.ID, summary)
	return nil
}

// firstDevice scans until a heart rate sensor shows up
func firstDevice(ctx context.Context, sensor bt.HeartRateSensor, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := sensor.Scan(ctx)
	if err != nil {
		return "", err
	}
	result, ok := <-results
	if ok {
		return result.DeviceID, nil
	}
	return "", fmt.Errorf("%w: no heart rate sensor found within %s", bt.ErrDeviceUnavailable, timeout)
}

// linkObserver is told about sensor drops; *workout.Manager implements it
type linkObserver interface {
	DeviceDisconnected()
	DeviceReconnected()
}

// bridgeSensorStatus turns the sensor's transient drops into session signal
// gaps. A permanent loss closes the sample channel, which ConsumeSamples
// reports on its own.
func bridgeSensorStatus(ctx context.Context, sub *events.Subscription[bt.ConnectionStatus], observer linkObserver) {
	dropped := false
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-sub.C():
			if !ok {
				return
			}
			switch status.State {
			case bt.StateReconnecting:
				if !dropped {
					dropped = true
					observer.DeviceDisconnected()
				}
			case bt.StateConnected:
				if dropped {
					dropped = false
					observer.DeviceReconnected()
				}
			}
		}
	}
}

// batteryObserver is told about sensor battery readings; *workout.Manager implements it
type batteryObserver interface {
	BatteryChanged(level hr.BatteryLevel)
}

func bridgeBattery(ctx context.Context, sub *events.Subscription[hr.BatteryLevel], observer batteryObserver) {
	for {
		select {
		case <-ctx.Done():
			return
		case level, ok := <-sub.C():
			if !ok {
				return
			}
			observer.BatteryChanged(level)
		}
	}
}

// workoutControls is the part of *workout.Manager driven by console keys
type workoutControls interface {
	PauseWorkout() (workout.SessionProgress, error)
	ResumeWorkout() (workout.SessionProgress, error)
	StopWorkout() (session.CompletedSession, error)
	ProgressEvents() *events.Broadcaster[workout.SessionProgress]
	NotificationEvents() *events.Broadcaster[workout.Notification]
}

// runConsole prints progress and notifications and reads p/r/s/q lines from in until the
// session ends, ctx is done or the user quits
func runConsole(ctx context.Context, controls workoutControls, in io.Reader, out io.Writer,
	completed <-chan session.CompletedSession, logger *log.Logger) (session.CompletedSession, bool) {
	progressSub := controls.ProgressEvents().Subscribe()
	defer progressSub.Unsubscribe()
	notesSub := controls.NotificationEvents().Subscribe()
	defer notesSub.Unsubscribe()
	progress, notes := progressSub.C(), notesSub.C()

	keys := make(chan string)
	go_func_utils.SafeGo(logger, func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case keys <- strings.ToLower(strings.TrimSpace(scanner.Text())):
			case <-ctx.Done():
				return
			}
		}
	})

	printer := &progressPrinter{out: out, interval: progressPrintInterval}
	for {
		select {
		case <-ctx.Done():
			return session.CompletedSession{}, false
		case cs := <-completed:
			return cs, true
		case p, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			printer.print(p)
		case n, ok := <-notes:
			if !ok {
				notes = nil
				continue
			}
			_, _ = fmt.Fprintf(out, "! %s\n", n)
		case key := <-keys:
			var err error
			switch key {
			case "p":
				_, err = controls.PauseWorkout()
			case "r":
				_, err = controls.ResumeWorkout()
			case "s":
				var cs session.CompletedSession
				if cs, err = controls.StopWorkout(); err == nil {
					return cs, true
				}
			case "q":
				return session.CompletedSession{}, false
			case "":
			default:
				_, _ = fmt.Fprintf(out, "unknown key %q, use p, r, s or q\n", key)
			}
			if err != nil {
				_, _ = fmt.Fprintf(out, "%v\n", err)
				logger.Printf("Run: %v", err)
			}
		}
	}
}

// progressPrinter prints a progress line on every state or phase change and
// otherwise at most once per interval
type progressPrinter struct {
	out       io.Writer
	interval  time.Duration
	printed   bool
	lastAt    time.Time
	lastState workout.SessionState
	lastPhase int
	lastLost  bool
}

func (pp *progressPrinter) print(p workout.SessionProgress) bool {
	changed := !pp.printed || p.State != pp.lastState || p.Phase.Index != pp.lastPhase || p.SignalLost != pp.lastLost
	if !changed && p.Timestamp.Sub(pp.lastAt) < pp.interval {
		return false
	}
	pp.printed = true
	pp.lastAt = p.Timestamp
	pp.lastState = p.State
	pp.lastPhase = p.Phase.Index
	pp.lastLost = p.SignalLost
	_, _ = fmt.Fprintln(pp.out, formatProgressLine(p))
	return true
}

func formatProgressLine(p workout.SessionProgress) string {
	bpm := "  --"
	status := "-"
	if p.HasBPM {
		bpm = fmt.Sprintf("%4.0f", p.CurrentBPM)
		status = p.ZoneStatus.String()
	}
	if p.SignalLost {
		status = "SignalLost"
	}
	return fmt.Sprintf("[%s] %-7s %s bpm  %-10s  %s %d/%d  target %s  remaining %s",
		formatClock(p.TotalElapsed), p.State, bpm, status,
		p.Phase.Name, p.Phase.Index+1, p.PhaseCount, p.Phase.Target, formatClock(p.TotalRemaining))
}

func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
