package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/lowaak/smart-trainer/heart-beat/internal/bt"
	"github.com/lowaak/smart-trainer/heart-beat/internal/dashboard"
	"github.com/lowaak/smart-trainer/heart-beat/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/heart-beat/internal/hr"
)

func newScanCmd() *cobra.Command {
	var ui, mock bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby heart rate sensors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd, !ui)
			if err != nil {
				return err
			}
			defer a.Close()

			sensor, err := a.newSensor(mock, bt.DefaultMockSensorConfig())
			if err != nil {
				return err
			}
			defer sensor.Shutdown()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			if ui {
				return scanWithDashboard(ctx, a, sensor)
			}

			if timeout <= 0 {
				timeout = a.cfg.Bluetooth.ScanTimeout
			}
			ctx, cancelScan := context.WithTimeout(ctx, timeout)
			defer cancelScan()
			return printScan(ctx, cmd.OutOrStdout(), sensor)
		},
	}
	cmd.Flags().BoolVar(&ui, "ui", false, "show results in the terminal dashboard until quit")
	cmd.Flags().BoolVar(&mock, "mock", false, "scan the simulated sensor instead of the Bluetooth adapter")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to scan (default bluetooth.scan_timeout)")
	return cmd
}

func printScan(ctx context.Context, out io.Writer, sensor bt.HeartRateSensor) error {
	results, err := sensor.Scan(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	for result := range results {
		if seen[result.DeviceID] {
			continue
		}
		seen[result.DeviceID] = true
		name := result.Name
		if name == "" {
			name = "Unknown"
		}
		_, _ = fmt.Fprintf(out, "%s\t%s\t%d dBm\n", result.DeviceID, name, result.RSSI)
	}
	if len(seen) == 0 {
		_, _ = fmt.Fprintln(out, "no heart rate sensors found")
	}
	return nil
}

func scanWithDashboard(ctx context.Context, a *app, sensor bt.HeartRateSensor) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// subscribe before scanning so the first results are not missed
	d := dashboard.NewDashboard(dashboard.NewDashboardArg{
		Title:   "Scanning for heart rate sensors",
		Sources: dashboard.Sources{Scan: sensor.ScanEvents()},
		Logger:  a.logger.Logger,
	})
	a.logger.Tee(d)

	results, err := sensor.Scan(ctx)
	if err != nil {
		return err
	}
	go_func_utils.SafeGo(a.logger.Logger, func() {
		for range results {
		}
	})
	return d.Run(ctx)
}

func newConnectCmd() *cobra.Command {
	var mock bool
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "connect <device-id>",
		Short: "Connect to a sensor and print raw and filtered heart rate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			sensor, err := a.newSensor(mock, bt.DefaultMockSensorConfig())
			if err != nil {
				return err
			}
			defer sensor.Shutdown()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			if duration > 0 {
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			filter := hr.NewSampleFilter(a.cfg.HRFilter())
			return streamSamples(ctx, cmd.OutOrStdout(), sensor, args[0], filter)
		},
	}
	cmd.Flags().BoolVar(&mock, "mock", false, "connect to the simulated sensor")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (default until interrupted)")
	return cmd
}

func newMockCmd() *cobra.Command {
	mockConfig := bt.DefaultMockSensorConfig()
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Stream heart rate from the simulated sensor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			sensor, err := a.newSensor(true, mockConfig)
			if err != nil {
				return err
			}
			defer sensor.Shutdown()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			if duration > 0 {
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			filter := hr.NewSampleFilter(a.cfg.HRFilter())
			return streamSamples(ctx, cmd.OutOrStdout(), sensor, mockConfig.Devices[0].DeviceID, filter)
		},
	}
	flags := cmd.Flags()
	flags.DurationVar(&mockConfig.SampleInterval, "interval", mockConfig.SampleInterval, "time between samples")
	flags.Float64Var(&mockConfig.RestingBPM, "resting", mockConfig.RestingBPM, "lowest heart rate of the simulated curve")
	flags.Float64Var(&mockConfig.PeakBPM, "peak", mockConfig.PeakBPM, "highest heart rate of the simulated curve")
	flags.DurationVar(&mockConfig.Period, "period", mockConfig.Period, "length of one rest-peak-rest cycle")
	flags.Float64Var(&mockConfig.NoiseBPM, "noise", mockConfig.NoiseBPM, "standard deviation of the heart rate noise")
	flags.IntVar(&mockConfig.DropoutEvery, "dropout-every", 0, "simulate a link drop every N samples")
	flags.IntVar(&mockConfig.DropoutSamples, "dropout-samples", 3, "samples missed per simulated drop")
	flags.IntVar(&mockConfig.LoseAfter, "lose-after", 0, "lose the sensor for good after N samples")
	flags.Uint64Var(&mockConfig.Seed, "seed", mockConfig.Seed, "random seed")
	flags.DurationVar(&duration, "duration", 0, "stop after this long (default until interrupted)")
	return cmd
}

// streamSamples connects to deviceID and prints one row per sample until ctx
// is done or the sensor gives up
func streamSamples(ctx context.Context, out io.Writer, sensor bt.HeartRateSensor, deviceID string, filter *hr.SampleFilter) error {
	status := sensor.StatusEvents().Subscribe()
	defer status.Unsubscribe()
	battery := sensor.BatteryEvents().Subscribe()
	defer battery.Unsubscribe()

	samples, err := sensor.Connect(ctx, deviceID)
	if err != nil {
		return err
	}
	defer func() { _ = sensor.Disconnect() }()

	_, _ = fmt.Fprintf(out, "%-8s  %4s  %8s  %8s  %s\n", "TIME", "RAW", "FILTERED", "RMSSD", "NOTE")

	statusC := status.C()
	batteryC := battery.C()
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-statusC:
			if !ok {
				statusC = nil
				continue
			}
			_, _ = fmt.Fprintf(out, "# %s %s\n", s.DeviceID, s)
		case level, ok := <-batteryC:
			if !ok {
				batteryC = nil
				continue
			}
			note := ""
			if level.IsLow() {
				note = " (low)"
			}
			_, _ = fmt.Fprintf(out, "# battery %d%%%s\n", level.Percent, note)
		case raw, ok := <-samples:
			if !ok {
				_, _ = fmt.Fprintln(out, "# sensor stream ended")
				return nil
			}
			_, _ = fmt.Fprintln(out, formatSampleRow(raw, filter))
		}
	}
}

func formatSampleRow(raw hr.RawSample, filter *hr.SampleFilter) string {
	at := raw.Timestamp.Format("15:04:05")
	sample, err := filter.Ingest(raw)
	if err != nil {
		return fmt.Sprintf("%-8s  %4d  %8s  %8s  %s", at, raw.BPM, "-", "-", "invalid")
	}
	rmssd := "-"
	if sample.HasRMSSD {
		rmssd = fmt.Sprintf("%.1f", sample.RMSSD)
	}
	note := ""
	if sample.Artifact {
		note = "artifact"
	}
	return fmt.Sprintf("%-8s  %4d  %8.1f  %8s  %s", at, sample.RawBPM, sample.FilteredBPM, rmssd, note)
}
