package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/heart-beat/internal/bt"
	"github.com/lowaak/smart-trainer/heart-beat/internal/config"
	"github.com/lowaak/smart-trainer/heart-beat/internal/logging"
	"github.com/lowaak/smart-trainer/heart-beat/internal/session"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "heart-beat",
		Short:         "Heart rate training sessions from a Bluetooth chest strap",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(newScanCmd())
	root.AddCommand(newConnectCmd())
	root.AddCommand(newMockCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newPlansCmd())
	root.AddCommand(newSessionsCmd())
	root.AddCommand(newScheduleCmd())
	return root
}

// app is what every command needs: resolved configuration and the process logger
type app struct {
	cfg    config.Config
	logger *logging.Logger
}

// loadApp resolves the configuration from the command's flags. Pass tee=false
// when a terminal UI is going to own the screen.
func loadApp(cmd *cobra.Command, tee bool) (*app, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log, tee)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", cfg.Log.File, err)
	}
	if cfg.ConfigFile != "" {
		logger.Printf("Config: Loaded %s", cfg.ConfigFile)
	}
	return &app{cfg: cfg, logger: logger}, nil
}

func (a *app) Close() {
	_ = a.logger.Close()
}

func (a *app) openStore() (session.Store, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendSQLite:
		store, err := session.OpenSQLite(a.cfg.Storage.SQLitePath, a.logger.Logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := session.NewFileStore(a.cfg.Storage.Dir, a.logger.Logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

// newSensor returns the simulated strap when mock is set, otherwise the
// system Bluetooth adapter
func (a *app) newSensor(mock bool, mockConfig bt.MockSensorConfig) (bt.HeartRateSensor, error) {
	if mock {
		return bt.NewMockSensor(mockConfig, a.logger.Logger), nil
	}
	manager := bt.NewBTManager(bluetooth.DefaultAdapter, a.logger.Logger, a.cfg.Bluetooth.ScanTimeout)
	if err := manager.Enable(); err != nil {
		return nil, fmt.Errorf("enable BLE stack: %w", err)
	}
	return bt.NewBLESensor(manager, a.cfg.BLESensor(), a.logger.Logger), nil
}

// signalContext is cancelled on Ctrl-C or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
