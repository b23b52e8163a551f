package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Mode selects which external surfaces the daemon exposes.
type Mode string

const (
	ModeHTTP Mode = "http"
	ModeMCP  Mode = "mcp"
	ModeBoth Mode = "both"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
	Mode      Mode
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level     string
	Format    string
	Retention int
}

// SchedulerConfig controls the dispatcher and polling loop.
type SchedulerConfig struct {
	PollInterval      time.Duration
	PipelineInterval  time.Duration
	AlertInterval     time.Duration
	MaxConcurrency    int
	DefaultMaxRetries int
	LeaseDuration     time.Duration
	InstanceID        string
}

// PipelineConfig controls the pipeline automation engine.
type PipelineConfig struct {
	GraceWindow    time.Duration
	AlertRulesFile string
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Group   string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark          BarkConfig
	RatePerSecond float64
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Scheduler    SchedulerConfig
	Pipeline     PipelineConfig
	Notification NotificationConfig

	StateDir      string
	UseUTC        bool
	ShutdownGrace time.Duration
}

const (
	defaultAddr           = "127.0.0.1:7070"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultRunKeep        = 50
	defaultShutdownGrace  = 10 * time.Second
	defaultPollInterval   = time.Minute
	defaultPipelineEvery  = 5 * time.Minute
	defaultAlertEvery     = 10 * time.Minute
	defaultMaxConcurrency = 4
	defaultMaxRetries     = 3
	defaultLease          = time.Hour
	defaultGraceWindow    = 24 * time.Hour
	defaultNotifyRate     = 1.0
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse reads configuration from the process arguments and environment.
func Parse() (*Config, error) {
	// .env is optional; check the working directory, then the config directory
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "taskpilot", ".env"))
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}
	return Load(os.Args[1:])
}

// Load builds a Config from environment variables overridden by args.
// Priority: CLI flags > environment variables > defaults
func Load(args []string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("TASKPILOT_ADDR", defaultAddr),
			AuthToken: getEnvString("TASKPILOT_AUTH_TOKEN", ""),
			Mode:      Mode(strings.ToLower(getEnvString("TASKPILOT_MODE", string(ModeHTTP)))),
		},
		Log: LogConfig{
			Level:     getEnvString("TASKPILOT_LOG_LEVEL", defaultLogLevel),
			Format:    getEnvString("TASKPILOT_LOG_FORMAT", defaultLogFormat),
			Retention: getEnvInt("TASKPILOT_RUN_RETENTION", defaultRunKeep),
		},
		Scheduler: SchedulerConfig{
			PollInterval:      getEnvDuration("TASKPILOT_POLL_INTERVAL", defaultPollInterval),
			PipelineInterval:  getEnvDuration("TASKPILOT_PIPELINE_INTERVAL", defaultPipelineEvery),
			AlertInterval:     getEnvDuration("TASKPILOT_ALERT_INTERVAL", defaultAlertEvery),
			MaxConcurrency:    getEnvInt("TASKPILOT_MAX_CONCURRENCY", defaultMaxConcurrency),
			DefaultMaxRetries: getEnvInt("TASKPILOT_DEFAULT_MAX_RETRIES", defaultMaxRetries),
			LeaseDuration:     getEnvDuration("TASKPILOT_LEASE_DURATION", defaultLease),
			InstanceID:        getEnvString("TASKPILOT_INSTANCE_ID", ""),
		},
		Pipeline: PipelineConfig{
			GraceWindow:    getEnvDuration("TASKPILOT_GRACE_WINDOW", defaultGraceWindow),
			AlertRulesFile: getEnvString("TASKPILOT_ALERT_RULES_FILE", ""),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("TASKPILOT_BARK_URL", ""),
				Group:   getEnvString("TASKPILOT_BARK_GROUP", ""),
				Enabled: getEnvBool("TASKPILOT_BARK_ENABLED", false),
			},
			RatePerSecond: getEnvFloat("TASKPILOT_NOTIFY_RATE_PER_SEC", defaultNotifyRate),
		},
		StateDir:      getEnvString("TASKPILOT_STATE_DIR", ""),
		UseUTC:        getEnvBool("TASKPILOT_USE_UTC", false),
		ShutdownGrace: getEnvDuration("TASKPILOT_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("taskpilotd", flag.ContinueOnError)
	var (
		addr, logLevel, logFormat, stateDir, mode string
		useUTC                                    bool
		shutdownGrace, pollInterval               time.Duration
	)
	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&stateDir, "state-dir", "", "Directory to store the database")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	fs.StringVar(&mode, "mode", "", "Surfaces to serve (http, mcp, both)")
	fs.BoolVar(&useUTC, "use-utc", false, "Use UTC for cron evaluation instead of system local time")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")
	fs.DurationVar(&pollInterval, "poll-interval", 0, "Dispatcher wake interval")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if mode != "" {
		cfg.Server.Mode = Mode(strings.ToLower(mode))
	}
	// bool and duration flags only apply when explicitly set
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		case "poll-interval":
			cfg.Scheduler.PollInterval = pollInterval
		}
	})

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Scheduler.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.Scheduler.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.Log.Retention < 1 {
		cfg.Log.Retention = defaultRunKeep
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Server.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		return fmt.Errorf("invalid mode %q (want http, mcp or both)", c.Server.Mode)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (want text or json)", c.Log.Format)
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.Scheduler.PollInterval)
	}
	if c.Scheduler.PipelineInterval < c.Scheduler.PollInterval {
		return fmt.Errorf("pipeline interval %s is shorter than poll interval %s",
			c.Scheduler.PipelineInterval, c.Scheduler.PollInterval)
	}
	if c.Scheduler.AlertInterval < c.Scheduler.PollInterval {
		return fmt.Errorf("alert interval %s is shorter than poll interval %s",
			c.Scheduler.AlertInterval, c.Scheduler.PollInterval)
	}
	if c.Scheduler.DefaultMaxRetries < 0 {
		return fmt.Errorf("default max retries must not be negative")
	}
	return nil
}

// ServesHTTP reports whether the HTTP API should be started.
func (c *Config) ServesHTTP() bool {
	return c.Server.Mode == ModeHTTP || c.Server.Mode == ModeBoth
}

// ServesMCP reports whether the stdio MCP server should be started.
func (c *Config) ServesMCP() bool {
	return c.Server.Mode == ModeMCP || c.Server.Mode == ModeBoth
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "taskpilot")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
