package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lowaak/smart-trainer/heart-beat/internal/bt"
	"github.com/lowaak/smart-trainer/heart-beat/internal/hr"
	"github.com/lowaak/smart-trainer/heart-beat/internal/session"
	"github.com/lowaak/smart-trainer/heart-beat/internal/workout"
	"github.com/lowaak/smart-trainer/heart-beat/internal/zone"
)

// EnvPrefix prefixes every environment override, e.g. HEART_BEAT_STORAGE_BACKEND
const EnvPrefix = "HEART_BEAT"

// Storage backends
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Stdout     bool   `mapstructure:"stdout"`
}

type StorageConfig struct {
	Backend    string `mapstructure:"backend"`
	Dir        string `mapstructure:"dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type FilterConfig struct {
	Smoothing        string  `mapstructure:"smoothing"`
	SpikeThreshold   uint16  `mapstructure:"spike_threshold"`
	WindowSize       int     `mapstructure:"window_size"`
	MinRMSSDSamples  int     `mapstructure:"min_rmssd_samples"`
	EMAAlpha         float64 `mapstructure:"ema_alpha"`
	ProcessNoise     float64 `mapstructure:"process_noise"`
	MeasurementNoise float64 `mapstructure:"measurement_noise"`
}

type SessionConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	DisconnectPolicy string        `mapstructure:"disconnect_policy"`
	CheckpointEvery  int           `mapstructure:"checkpoint_every"`
	MaxHR            uint16        `mapstructure:"max_hr"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	DeviationHold    time.Duration `mapstructure:"deviation_hold"`
}

type ReconnectConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

type BluetoothConfig struct {
	ScanTimeout    time.Duration   `mapstructure:"scan_timeout"`
	ConnectTimeout time.Duration   `mapstructure:"connect_timeout"`
	BatteryPoll    time.Duration   `mapstructure:"battery_poll"`
	Reconnect      ReconnectConfig `mapstructure:"reconnect"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Config is the fully resolved application configuration
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Filter    FilterConfig    `mapstructure:"filter"`
	Session   SessionConfig   `mapstructure:"session"`
	Bluetooth BluetoothConfig `mapstructure:"bluetooth"`
	Server    ServerConfig    `mapstructure:"server"`

	// ConfigFile is the file that was read, empty when none
	ConfigFile string `mapstructure:"-"`
}

// BaseDir returns ~/.heart-beat
func BaseDir() string {
	return filepath.Dir(session.DefaultDir())
}

// DefaultConfigFile is read when present and no --config is given
func DefaultConfigFile() string {
	return filepath.Join(BaseDir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	filter := hr.DefaultFilterConfig()
	manager := workout.DefaultManagerConfig()
	sensor := bt.DefaultBLESensorConfig()

	v.SetDefault("log.file", filepath.Join(BaseDir(), "heart-beat.log"))
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.stdout", false)

	v.SetDefault("storage.backend", BackendFile)
	v.SetDefault("storage.dir", session.DefaultDir())
	v.SetDefault("storage.sqlite_path", session.DefaultSQLitePath())

	v.SetDefault("filter.smoothing", string(filter.Smoothing))
	v.SetDefault("filter.spike_threshold", filter.SpikeThreshold)
	v.SetDefault("filter.window_size", filter.WindowSize)
	v.SetDefault("filter.min_rmssd_samples", filter.MinRMSSDSamples)
	v.SetDefault("filter.ema_alpha", filter.EMAAlpha)
	v.SetDefault("filter.process_noise", filter.ProcessNoise)
	v.SetDefault("filter.measurement_noise", filter.MeasurementNoise)

	v.SetDefault("session.tick_interval", manager.TickInterval)
	v.SetDefault("session.disconnect_policy", string(manager.DisconnectPolicy))
	v.SetDefault("session.checkpoint_every", manager.CheckpointEvery)
	v.SetDefault("session.max_hr", workout.DefaultMaxHR)
	v.SetDefault("session.subscriber_buffer", manager.SubscriberBuffer)
	v.SetDefault("session.deviation_hold", manager.DeviationHold)

	v.SetDefault("bluetooth.scan_timeout", 10*time.Second)
	v.SetDefault("bluetooth.connect_timeout", sensor.ConnectTimeout)
	v.SetDefault("bluetooth.battery_poll", sensor.BatteryPoll)
	v.SetDefault("bluetooth.reconnect.max_attempts", sensor.Reconnect.MaxAttempts)
	v.SetDefault("bluetooth.reconnect.initial_delay", sensor.Reconnect.InitialDelay)
	v.SetDefault("bluetooth.reconnect.multiplier", sensor.Reconnect.Multiplier)
	v.SetDefault("bluetooth.reconnect.max_delay", sensor.Reconnect.MaxDelay)

	v.SetDefault("server.addr", "127.0.0.1:8787")
}

// flag name -> config key
var flagKeys = map[string]string{
	"log-file":          "log.file",
	"log-stdout":        "log.stdout",
	"storage-backend":   "storage.backend",
	"storage-dir":       "storage.dir",
	"sqlite-path":       "storage.sqlite_path",
	"smoothing":         "filter.smoothing",
	"disconnect-policy": "session.disconnect_policy",
	"max-hr":            "session.max_hr",
	"tick-interval":     "session.tick_interval",
	"server-addr":       "server.addr",
}

// RegisterFlags adds the configuration flags to flags, normally the root
// command's persistent flag set
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "config file (default "+DefaultConfigFile()+")")
	flags.String("log-file", "", "log file path")
	flags.Bool("log-stdout", false, "also write logs to stderr")
	flags.String("storage-backend", "", "session storage backend: file|sqlite")
	flags.String("storage-dir", "", "directory for the file storage backend")
	flags.String("sqlite-path", "", "database path for the sqlite storage backend")
	flags.String("smoothing", "", "heart rate smoothing: kalman|ema")
	flags.String("disconnect-policy", "", "what a sensor drop does to a running session: pause|stop|continue")
	flags.Uint16("max-hr", 0, "maximum heart rate used for training zones")
	flags.Duration("tick-interval", 0, "session progress interval")
	flags.String("server-addr", "", "listen address for --serve")
}

// Load resolves the configuration from defaults, the config file, HEART_BEAT_*
// environment variables and flags, in increasing order of precedence. flags
// may be nil.
func Load(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configFile := ""
	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			// only explicit flags override, the flag zero values are not defaults
			if flag == nil || !flag.Changed {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
		if flag := flags.Lookup("config"); flag != nil {
			configFile = flag.Value.String()
		}
	}
	if configFile == "" {
		configFile = os.Getenv(EnvPrefix + "_CONFIG")
	}

	var cfg Config
	switch {
	case configFile != "":
		v.SetConfigFile(expandHome(configFile))
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
		cfg.ConfigFile = v.ConfigFileUsed()
	default:
		v.SetConfigFile(DefaultConfigFile())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("read config %s: %w", DefaultConfigFile(), err)
			}
		} else {
			cfg.ConfigFile = v.ConfigFileUsed()
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Log.File = expandHome(cfg.Log.File)
	cfg.Storage.Dir = expandHome(cfg.Storage.Dir)
	cfg.Storage.SQLitePath = expandHome(cfg.Storage.SQLitePath)
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	cfg.Filter.Smoothing = strings.ToLower(strings.TrimSpace(cfg.Filter.Smoothing))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~"))
}

// Validate rejects values the application cannot start with
func (c Config) Validate() error {
	var errs []error

	if c.Log.File == "" {
		errs = append(errs, errors.New("log.file is required"))
	}
	if c.Log.MaxSizeMB <= 0 {
		errs = append(errs, fmt.Errorf("log.max_size_mb must be > 0, got %d", c.Log.MaxSizeMB))
	}

	switch c.Storage.Backend {
	case BackendFile:
		if c.Storage.Dir == "" {
			errs = append(errs, errors.New("storage.dir is required for the file backend"))
		}
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q (want file or sqlite)", c.Storage.Backend))
	}

	if err := c.HRFilter().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("filter: %w", err))
	}

	if _, err := workout.ParseDisconnectPolicy(c.Session.DisconnectPolicy); err != nil {
		errs = append(errs, fmt.Errorf("session.disconnect_policy: %w", err))
	}
	if c.Session.TickInterval < 0 {
		errs = append(errs, fmt.Errorf("session.tick_interval must be >= 0, got %v", c.Session.TickInterval))
	}
	if c.Session.DeviationHold < 0 {
		errs = append(errs, fmt.Errorf("session.deviation_hold must be >= 0, got %v", c.Session.DeviationHold))
	}
	if c.Session.CheckpointEvery < 0 {
		errs = append(errs, fmt.Errorf("session.checkpoint_every must be >= 0, got %d", c.Session.CheckpointEvery))
	}
	if c.Session.MaxHR < zone.MinMaxHR || c.Session.MaxHR > zone.MaxMaxHR {
		errs = append(errs, fmt.Errorf("session.max_hr must be within %d-%d, got %d", zone.MinMaxHR, zone.MaxMaxHR, c.Session.MaxHR))
	}

	if err := c.ReconnectionPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("bluetooth.reconnect: %w", err))
	}
	if c.Bluetooth.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("bluetooth.connect_timeout must be > 0, got %v", c.Bluetooth.ConnectTimeout))
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// HRFilter returns the sample filter settings
func (c Config) HRFilter() hr.FilterConfig {
	return hr.FilterConfig{
		Smoothing:        hr.SmoothingMode(c.Filter.Smoothing),
		SpikeThreshold:   c.Filter.SpikeThreshold,
		WindowSize:       c.Filter.WindowSize,
		MinRMSSDSamples:  c.Filter.MinRMSSDSamples,
		EMAAlpha:         c.Filter.EMAAlpha,
		ProcessNoise:     c.Filter.ProcessNoise,
		MeasurementNoise: c.Filter.MeasurementNoise,
	}
}

// Manager returns the session manager settings. Call on a validated Config.
func (c Config) Manager() workout.ManagerConfig {
	policy, err := workout.ParseDisconnectPolicy(c.Session.DisconnectPolicy)
	if err != nil {
		policy = workout.DisconnectPause
	}
	return workout.ManagerConfig{
		TickInterval:     c.Session.TickInterval,
		DisconnectPolicy: policy,
		CheckpointEvery:  c.Session.CheckpointEvery,
		SubscriberBuffer: c.Session.SubscriberBuffer,
		DeviationHold:    c.Session.DeviationHold,
	}
}

func (c Config) ReconnectionPolicy() bt.ReconnectionPolicy {
	return bt.ReconnectionPolicy{
		MaxAttempts:  c.Bluetooth.Reconnect.MaxAttempts,
		InitialDelay: c.Bluetooth.Reconnect.InitialDelay,
		Multiplier:   c.Bluetooth.Reconnect.Multiplier,
		MaxDelay:     c.Bluetooth.Reconnect.MaxDelay,
	}
}

func (c Config) BLESensor() bt.BLESensorConfig {
	return bt.BLESensorConfig{
		ConnectTimeout: c.Bluetooth.ConnectTimeout,
		BatteryPoll:    c.Bluetooth.BatteryPoll,
		Reconnect:      c.ReconnectionPolicy(),
	}
}
