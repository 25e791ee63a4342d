package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Serving modes.
const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
	ModeBoth = "both"
)

// Lease backends.
const (
	LeaseSQLite = "sqlite"
	LeaseRedis  = "redis"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
	// Mode selects the HTTP API, the MCP server on stdio, or both.
	Mode string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
	// Retention is how long finished runs and their logs are kept.
	Retention time.Duration
}

// SchedulerConfig holds dependency scheduler settings.
type SchedulerConfig struct {
	Workers           int
	LeaseTTL          time.Duration
	ReconcileInterval time.Duration
	// RunRetention is how long finished runs stay in the in-memory cache.
	RunRetention time.Duration
}

// LeaseConfig selects where run ownership is recorded.
type LeaseConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// TraceConfig holds tracing settings.
type TraceConfig struct {
	Stdout bool
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// SecretsConfig holds secret resolution settings.
type SecretsConfig struct {
	Prefix string
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Scheduler    SchedulerConfig
	Lease        LeaseConfig
	Trace        TraceConfig
	Notification NotificationConfig
	Secrets      SecretsConfig

	StateDir      string
	UseUTC        bool
	ShutdownGrace time.Duration
}

const (
	defaultAddr              = "0.0.0.0:7070"
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultLogRetention      = 7 * 24 * time.Hour
	defaultWorkers           = 8
	defaultLeaseTTL          = 30 * time.Second
	defaultReconcileInterval = 10 * time.Second
	defaultRunRetention      = time.Hour
	defaultShutdownGrace     = 5 * time.Second
	defaultSecretsPrefix     = "CRONFLOW_SECRET_"
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

// Parse reads configuration from os.Args.
func Parse() (*Config, error) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs parses command line arguments and environment variables into Config.
// Priority: CLI flags > Environment variables > .env file > defaults
func ParseArgs(args []string) (*Config, error) {
	// Load .env files if present; they never override the real environment.
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "cronflow", ".env"))
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("CRONFLOW_ADDR", defaultAddr),
			AuthToken: getEnvString("CRONFLOW_AUTH_TOKEN", ""),
			Mode:      getEnvString("CRONFLOW_MODE", ModeHTTP),
		},
		Log: LogConfig{
			Level:     getEnvString("CRONFLOW_LOG_LEVEL", defaultLogLevel),
			Format:    getEnvString("CRONFLOW_LOG_FORMAT", defaultLogFormat),
			Retention: getEnvDuration("CRONFLOW_LOG_RETENTION", defaultLogRetention),
		},
		Scheduler: SchedulerConfig{
			Workers:           getEnvInt("CRONFLOW_WORKERS", defaultWorkers),
			LeaseTTL:          getEnvDuration("CRONFLOW_LEASE_TTL", defaultLeaseTTL),
			ReconcileInterval: getEnvDuration("CRONFLOW_RECONCILE_INTERVAL", defaultReconcileInterval),
			RunRetention:      getEnvDuration("CRONFLOW_RUN_RETENTION", defaultRunRetention),
		},
		Lease: LeaseConfig{
			Backend:       getEnvString("CRONFLOW_LEASE_BACKEND", LeaseSQLite),
			RedisAddr:     getEnvString("CRONFLOW_REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnvString("CRONFLOW_REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("CRONFLOW_REDIS_DB", 0),
		},
		Trace: TraceConfig{
			Stdout: getEnvBool("CRONFLOW_TRACE_STDOUT", false),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("CRONFLOW_BARK_URL", ""),
				Enabled: getEnvBool("CRONFLOW_BARK_ENABLED", false),
			},
		},
		Secrets: SecretsConfig{
			Prefix: getEnvString("CRONFLOW_SECRETS_PREFIX", defaultSecretsPrefix),
		},
		StateDir:      getEnvString("CRONFLOW_STATE_DIR", ""),
		UseUTC:        getEnvBool("CRONFLOW_USE_UTC", false),
		ShutdownGrace: getEnvDuration("CRONFLOW_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("cronflowd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var (
		addr, logLevel, logFormat, stateDir, mode, leaseBackend string
		workers                                                int
		useUTC, traceStdout                                    bool
		shutdownGrace, logRetention                            time.Duration
	)
	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&stateDir, "state-dir", "", "Directory to store database and run logs")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	fs.StringVar(&mode, "mode", "", "Serve the HTTP API, MCP over stdio, or both (http, mcp, both)")
	fs.StringVar(&leaseBackend, "lease-backend", "", "Run ownership backend (sqlite, redis)")
	fs.IntVar(&workers, "workers", 0, "Maximum number of concurrently running task attempts")
	fs.BoolVar(&useUTC, "use-utc", false, "Use UTC for cron evaluation instead of system local time")
	fs.BoolVar(&traceStdout, "trace-stdout", false, "Export task attempt spans to stdout")
	fs.DurationVar(&logRetention, "log-retention", 0, "How long finished runs and their logs are kept")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
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
		cfg.Server.Mode = mode
	}
	if leaseBackend != "" {
		cfg.Lease.Backend = leaseBackend
	}
	if workers > 0 {
		cfg.Scheduler.Workers = workers
	}
	// For bool and duration flags, check if explicitly set via Visit.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "trace-stdout":
			cfg.Trace.Stdout = traceStdout
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		case "log-retention":
			cfg.Log.Retention = logRetention
		}
	})

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Scheduler.Workers < 1 {
		cfg.Scheduler.Workers = defaultWorkers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects option combinations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Server.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		return fmt.Errorf("unknown mode %q", c.Server.Mode)
	}
	switch c.Lease.Backend {
	case LeaseSQLite:
	case LeaseRedis:
		if c.Lease.RedisAddr == "" {
			return errors.New("redis lease backend needs CRONFLOW_REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown lease backend %q", c.Lease.Backend)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Scheduler.LeaseTTL <= c.Scheduler.ReconcileInterval {
		return errors.New("lease ttl must be longer than the reconcile interval")
	}
	return nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "cronflow")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
