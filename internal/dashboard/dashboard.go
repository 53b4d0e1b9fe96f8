package dashboard

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/lowaak/smart-trainer/heart-beat/internal/bt"
	"github.com/lowaak/smart-trainer/heart-beat/internal/events"
	"github.com/lowaak/smart-trainer/heart-beat/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/heart-beat/internal/hr"
	"github.com/lowaak/smart-trainer/heart-beat/internal/session"
	"github.com/lowaak/smart-trainer/heart-beat/internal/workout"
	"github.com/rivo/tview"
)

const (
	maxLogLines = 200
	maxAlerts   = 8
)

// Controller receives the workout keys. *workout.Manager implements it.
type Controller interface {
	PauseWorkout() (workout.SessionProgress, error)
	ResumeWorkout() (workout.SessionProgress, error)
	StopWorkout() (session.CompletedSession, error)
}

// Sources are the streams the dashboard renders; nil ones hide their panel
type Sources struct {
	Progress      *events.Broadcaster[workout.SessionProgress]
	Battery       *events.Broadcaster[hr.BatteryLevel]
	Status        *events.Broadcaster[bt.ConnectionStatus]
	Scan          *events.Broadcaster[bt.ScanResult]
	Notifications *events.Broadcaster[workout.Notification]
}

// NewDashboardArg holds the arguments for creating a new Dashboard
type NewDashboardArg struct {
	Title      string
	Sources    Sources
	Controller Controller // optional, without it the workout keys do nothing
	Logger     *log.Logger
}

// Dashboard is the live terminal view of a workout and its sensor.
// It also implements io.Writer so the process logger can be pointed at its
// Logs panel while the terminal is taken over.
type Dashboard struct {
	app        *tview.Application
	mainFlex   *tview.Flex
	heartPanel *tview.TextView
	workout    *tview.TextView
	sensor     *tview.TextView
	devices    *tview.TextView
	alertView  *tview.TextView
	logView    *tview.TextView

	controller Controller
	logger     *log.Logger

	mu           sync.Mutex
	sensorState  sensorState
	scanDevices  map[string]bt.ScanResult
	alerts       []workout.Notification
	logLines     []string
	partialLine  string
	lastProgress workout.SessionProgress
	hasProgress  bool

	subscriptions []func()
	redraw        chan struct{}
	drawerOnce    sync.Once
	context       context.Context
	cancelFunc    context.CancelFunc
	waitGroup     sync.WaitGroup
	stopOnce      sync.Once
}

func NewDashboard(args NewDashboardArg) *Dashboard {
	if args.Logger == nil {
		panic("Dashboard: logger cannot be nil")
	}
	title := args.Title
	if title == "" {
		title = "Heart Beat"
	}
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dashboard{
		app:         tview.NewApplication(),
		controller:  args.Controller,
		logger:      args.Logger,
		scanDevices: make(map[string]bt.ScanResult),
		redraw:      make(chan struct{}, 1),
		context:     ctx,
		cancelFunc:  cancel,
	}
	d.initLayout(title, args.Sources)
	d.app.SetInputCapture(d.handleKey)
	d.app.SetAfterDrawFunc(func(screen tcell.Screen) {
		d.drawerOnce.Do(d.startDrawer)
	})
	d.setupEventListeners(args.Sources)
	return d
}

func newPanel(title string) *tview.TextView {
	panel := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	panel.SetBorder(true).SetTitle(title)
	return panel
}

func (d *Dashboard) initLayout(title string, sources Sources) {
	// Note: Don't use SetChangedFunc with app.Draw() - it can cause hangs during shutdown
	d.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)
	d.logView.SetBorder(true).SetTitle(" Logs ")

	instructions := tview.NewTextView().
		SetDynamicColors(true).
		SetText(" [yellow]" + tview.Escape(title) + "[white]  |  [yellow]P[white] Pause | [yellow]R[white] Resume | [yellow]S[white] Stop | [yellow]Q[white]/[yellow]Esc[white] Quit")

	top := tview.NewFlex().SetDirection(tview.FlexColumn)
	if sources.Progress != nil {
		d.heartPanel = newPanel(" Heart Rate ")
		d.heartPanel.SetText(formatHeartRatePanel(workout.SessionProgress{}, false))
		d.workout = newPanel(" Workout ")
		d.workout.SetText(formatWorkoutPanel(workout.SessionProgress{}, false))
		top.AddItem(d.heartPanel, 0, 1, false)
		top.AddItem(d.workout, 0, 1, false)
	}

	right := tview.NewFlex().SetDirection(tview.FlexRow)
	if sources.Status != nil || sources.Battery != nil {
		d.sensor = newPanel(" Sensor ")
		d.sensor.SetText(formatSensorPanel(sensorState{}))
		right.AddItem(d.sensor, 0, 1, false)
	}
	if sources.Scan != nil {
		d.devices = newPanel(" Heart Rate Devices ")
		d.devices.SetText(formatDeviceList(nil))
		right.AddItem(d.devices, 0, 2, false)
	}
	if sources.Notifications != nil {
		d.alertView = newPanel(" Alerts ")
		d.alertView.SetText(formatAlerts(nil))
		right.AddItem(d.alertView, 0, 1, false)
	}
	if right.GetItemCount() > 0 {
		top.AddItem(right, 0, 1, false)
	}

	d.mainFlex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(instructions, 1, 0, false).
		AddItem(top, 0, 3, false).
		AddItem(d.logView, 0, 1, false)
}

func (d *Dashboard) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyCtrlC {
		d.Stop()
		return nil
	}
	if event.Key() != tcell.KeyRune {
		return event
	}

	switch event.Rune() {
	case 'q', 'Q':
		d.Stop()
		return nil
	case 'p', 'P':
		if d.controller != nil {
			if _, err := d.controller.PauseWorkout(); err != nil {
				d.logger.Printf("Dashboard: Pause failed: %v", err)
			}
		}
		return nil
	case 'r', 'R':
		if d.controller != nil {
			if _, err := d.controller.ResumeWorkout(); err != nil {
				d.logger.Printf("Dashboard: Resume failed: %v", err)
			}
		}
		return nil
	case 's', 'S':
		if d.controller != nil {
			if cs, err := d.controller.StopWorkout(); err != nil {
				d.logger.Printf("Dashboard: Stop failed: %v", err)
			} else {
				d.logger.Printf("Dashboard: Session %s recorded as %s", cs.ID, cs.Status)
			}
		}
		return nil
	}
	return event
}

// listen pumps one subscription into render until the dashboard stops
func listen[T any](d *Dashboard, b *events.Broadcaster[T], render func(T)) {
	if b == nil {
		return
	}
	sub := b.Subscribe()
	d.subscriptions = append(d.subscriptions, sub.Unsubscribe)
	go_func_utils.SafeGoWG(d.logger, &d.waitGroup, func() {
		for {
			select {
			case <-d.context.Done():
				return
			case value, ok := <-sub.C():
				if !ok {
					return
				}
				render(value)
				d.requestDraw()
			}
		}
	})
}

func (d *Dashboard) setupEventListeners(sources Sources) {
	listen(d, sources.Progress, func(p workout.SessionProgress) {
		d.mu.Lock()
		d.lastProgress = p
		d.hasProgress = true
		d.mu.Unlock()
		d.heartPanel.SetText(formatHeartRatePanel(p, true))
		d.workout.SetText(formatWorkoutPanel(p, true))
	})
	listen(d, sources.Status, func(s bt.ConnectionStatus) {
		d.mu.Lock()
		d.sensorState.Status = s
		d.sensorState.HasStatus = true
		state := d.sensorState
		d.mu.Unlock()
		d.sensor.SetText(formatSensorPanel(state))
	})
	listen(d, sources.Battery, func(b hr.BatteryLevel) {
		d.mu.Lock()
		d.sensorState.Battery = b
		d.sensorState.HasBattery = true
		state := d.sensorState
		d.mu.Unlock()
		d.sensor.SetText(formatSensorPanel(state))
	})
	listen(d, sources.Notifications, func(n workout.Notification) {
		d.mu.Lock()
		d.alerts = append(d.alerts, n)
		if over := len(d.alerts) - maxAlerts; over > 0 {
			d.alerts = append([]workout.Notification(nil), d.alerts[over:]...)
		}
		text := formatAlerts(d.alerts)
		d.mu.Unlock()
		d.alertView.SetText(text)
	})
	listen(d, sources.Scan, func(r bt.ScanResult) {
		d.mu.Lock()
		d.scanDevices[r.DeviceID] = r
		text := formatDeviceList(d.scanDevices)
		d.mu.Unlock()
		d.devices.SetText(text)
	})
}

// requestDraw never blocks, so it is safe from the event loop and from loggers
func (d *Dashboard) requestDraw() {
	select {
	case d.redraw <- struct{}{}:
	default:
	}
}

// startDrawer runs once the first frame is on screen. QueueUpdateDraw waits for
// the event loop, which may be gone at shutdown, so the drawer is not part of
// the wait group.
func (d *Dashboard) startDrawer() {
	go_func_utils.SafeGo(d.logger, func() {
		for {
			select {
			case <-d.context.Done():
				return
			case <-d.redraw:
				d.app.QueueUpdateDraw(func() {})
			}
		}
	})
}

// LastProgress returns the most recent progress snapshot the dashboard rendered
func (d *Dashboard) LastProgress() (workout.SessionProgress, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastProgress, d.hasProgress
}

// Write appends log output to the Logs panel, keeping the newest lines
func (d *Dashboard) Write(p []byte) (int, error) {
	d.mu.Lock()
	text := d.partialLine + string(p)
	lines := strings.Split(text, "\n")
	d.partialLine = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		d.logLines = append(d.logLines, tview.Escape(line))
	}
	if over := len(d.logLines) - maxLogLines; over > 0 {
		d.logLines = append([]string(nil), d.logLines[over:]...)
	}
	content := strings.Join(d.logLines, "\n")
	d.mu.Unlock()

	d.logView.SetText(content)
	d.logView.ScrollToEnd()
	d.requestDraw()
	return len(p), nil
}

// Run takes over the terminal until ctx is done or the user quits
func (d *Dashboard) Run(ctx context.Context) error {
	go_func_utils.SafeGoWG(d.logger, &d.waitGroup, func() {
		select {
		case <-ctx.Done():
			d.Stop()
		case <-d.context.Done():
		}
	})

	var err error
	if d.context.Err() == nil {
		d.app.SetRoot(d.mainFlex, true)
		err = d.app.Run()
	}

	d.Stop()
	for _, unsubscribe := range d.subscriptions {
		unsubscribe()
	}
	d.waitGroup.Wait()
	return err
}

// Done is closed once the dashboard has been asked to stop
func (d *Dashboard) Done() <-chan struct{} {
	return d.context.Done()
}

func (d *Dashboard) Stop() {
	d.stopOnce.Do(func() {
		d.cancelFunc()
		d.app.Stop()
	})
}
