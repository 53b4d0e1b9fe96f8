package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lowaak/smart-trainer/heart-beat/internal/events"
	"github.com/lowaak/smart-trainer/heart-beat/internal/workout"
)

type scheduleOptions struct {
	plan  string
	cron  string
	count int
}

func newScheduleCmd() *cobra.Command {
	var opts scheduleOptions

	cmd := &cobra.Command{
		Use:   "schedule --plan <name|file> --cron <expr>",
		Short: "Print a reminder whenever a plan is due",
		Long: "Print a \"workout ready\" reminder on a cron schedule.\n\n" +
			"The expression takes an optional seconds field and descriptors such as @daily or @every 1h.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(opts.plan) == "" {
				return fmt.Errorf("--plan is required")
			}
			if strings.TrimSpace(opts.cron) == "" {
				return fmt.Errorf("--cron is required")
			}
			a, err := loadApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runSchedule(ctx, a, opts, cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.plan, "plan", "", "built-in plan name or plan file")
	flags.StringVar(&opts.cron, "cron", "", "cron expression, e.g. \"0 30 6 * * MON-FRI\"")
	flags.IntVar(&opts.count, "count", 0, "exit after this many reminders (0 runs until interrupted)")
	return cmd
}

func runSchedule(ctx context.Context, a *app, opts scheduleOptions, out io.Writer) error {
	plan, err := workout.ResolvePlan(opts.plan)
	if err != nil {
		return err
	}

	notifications := events.NewBroadcaster[workout.Notification](events.DefaultBufferSize, false)
	defer notifications.Close()
	sub := notifications.Subscribe()
	defer sub.Unsubscribe()

	reminder := workout.NewReminder(notifications, workout.SystemClock(), a.logger.Logger)
	id, err := reminder.Schedule(plan, opts.cron)
	if err != nil {
		return err
	}
	reminder.Start()
	defer reminder.Stop(context.Background())

	if next, ok := reminder.Next(id); ok {
		_, _ = fmt.Fprintf(out, "%q scheduled, next at %s\n", plan.Name, next.Format("2006-01-02 15:04:05"))
	}

	fired := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-sub.C():
			if !ok {
				return nil
			}
			_, _ = fmt.Fprintf(out, "%s  %s\n", n.Timestamp.Format("15:04:05"), n)
			fired++
			if opts.count > 0 && fired >= opts.count {
				return nil
			}
		}
	}
}
