// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. GUESS_PORT.
const EnvPrefix = "GUESS"

// Config holds the settings of both commands. Flags that a command does not
// register keep their zero value.
type Config struct {
	Bind        string
	Port        int
	MetricsPort int
	LogLevel    string

	DatabaseURL string
	RedisAddr   string
	RedisDB     int
	QueueName   string

	RoundDuration time.Duration
	ShrinkWindow  time.Duration
	ShrinkGuard   time.Duration

	OutboxSize   int
	RateLimit    float64
	RateBurst    int
	PingInterval time.Duration

	BatchSize     int
	FlushInterval time.Duration
	Inactivity    time.Duration
}

// ValidateServer checks the settings used by the game server.
func (c *Config) ValidateServer() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	for name, p := range map[string]int{"port": c.Port, "metrics-port": c.MetricsPort} {
		if p < 0 || p > 65535 {
			return fmt.Errorf("invalid %s (must be between 0-65535 inclusive): %d", name, p)
		}
	}
	if c.Port != 0 && c.Port == c.MetricsPort {
		return errors.New("--port and --metrics-port must differ")
	}
	if c.RoundDuration <= 0 {
		return fmt.Errorf("invalid round duration: %s", c.RoundDuration)
	}
	if c.ShrinkWindow <= 0 || c.ShrinkWindow >= c.RoundDuration {
		return fmt.Errorf("shrink window %s must be positive and shorter than the round (%s)", c.ShrinkWindow, c.RoundDuration)
	}
	if c.ShrinkGuard < 0 {
		return fmt.Errorf("invalid shrink guard: %s", c.ShrinkGuard)
	}
	if c.OutboxSize < 1 {
		return fmt.Errorf("invalid outbox size: %d", c.OutboxSize)
	}
	if c.RateLimit <= 0 || c.RateBurst < 1 {
		return errors.New("--rate-limit must be positive and --rate-burst at least 1")
	}
	return nil
}

// ValidateHistorian checks the settings used by the historian.
func (c *Config) ValidateHistorian() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if c.RedisAddr == "" {
		return errors.New("--redis-addr is required")
	}
	if !strings.HasPrefix(c.DatabaseURL, "postgres") {
		return fmt.Errorf("the historian needs a postgres database, got %q", c.DatabaseURL)
	}
	if c.BatchSize < 1 || c.FlushInterval <= 0 || c.Inactivity <= 0 {
		return errors.New("--batch-size, --flush-interval and --inactivity must be positive")
	}
	return nil
}

func (c *Config) validateCommon() error {
	if c.DatabaseURL == "" {
		return errors.New("--database-url is required")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Logger builds the process logger at the configured level.
func (c *Config) Logger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	return logger
}

// RunFunc is the body of a command once its config is validated.
type RunFunc func(cmd *cobra.Command, cfg *Config) error

// NewServerCmd builds the game server command.
func NewServerCmd(cfg *Config, run RunFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guess-server",
		Short: "Real-time draw-and-guess game server.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidateServer(); err != nil {
				return err
			}
			return run(cmd, cfg)
		},
	}

	fs := cmd.Flags()
	commonFlags(fs, cfg)
	fs.StringVarP(&cfg.Bind, "bind", "b", "0.0.0.0", "address to bind to (env: GUESS_BIND)")
	fs.IntVarP(&cfg.Port, "port", "p", 8080, "port to listen on (env: GUESS_PORT)")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", 9090, "port for /metrics and /healthz, 0 to disable (env: GUESS_METRICS_PORT)")
	fs.DurationVar(&cfg.RoundDuration, "round-duration", 120*time.Second, "length of a round (env: GUESS_ROUND_DURATION)")
	fs.DurationVar(&cfg.ShrinkWindow, "shrink-window", 30*time.Second, "time left after the first correct answer (env: GUESS_SHRINK_WINDOW)")
	fs.DurationVar(&cfg.ShrinkGuard, "shrink-guard", 5*time.Second, "do not shrink when less than window+guard remains (env: GUESS_SHRINK_GUARD)")
	fs.IntVar(&cfg.OutboxSize, "outbox-size", 64, "queued frames per socket before it counts as stalled (env: GUESS_OUTBOX_SIZE)")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", 20, "inbound messages per second per socket (env: GUESS_RATE_LIMIT)")
	fs.IntVar(&cfg.RateBurst, "rate-burst", 40, "inbound burst per socket (env: GUESS_RATE_BURST)")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", 30*time.Second, "websocket keepalive interval (env: GUESS_PING_INTERVAL)")

	finish(cmd, fs)
	return cmd
}

// NewHistorianCmd builds the round history consumer command.
func NewHistorianCmd(cfg *Config, run RunFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guess-historian",
		Short: "Persists queued round actions into PostgreSQL.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidateHistorian(); err != nil {
				return err
			}
			return run(cmd, cfg)
		},
	}

	fs := cmd.Flags()
	commonFlags(fs, cfg)
	fs.IntVar(&cfg.BatchSize, "batch-size", 20, "actions per database transaction (env: GUESS_BATCH_SIZE)")
	fs.DurationVar(&cfg.FlushInterval, "flush-interval", 500*time.Millisecond, "maximum delay before a partial batch is written (env: GUESS_FLUSH_INTERVAL)")
	fs.DurationVar(&cfg.Inactivity, "inactivity", 10*time.Minute, "idle time before a round is marked abandoned (env: GUESS_INACTIVITY)")

	finish(cmd, fs)
	return cmd
}

func commonFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVar(&cfg.LogLevel, "log-level", "info", "logrus level (env: GUESS_LOG_LEVEL)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "memory://", "postgres://..., sqlite:///path or memory:// (env: GUESS_DATABASE_URL)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "redis address for round history, empty to disable (env: GUESS_REDIS_ADDR)")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database index (env: GUESS_REDIS_DB)")
	fs.StringVar(&cfg.QueueName, "queue-name", "guess_round_actions", "redis list carrying round actions (env: GUESS_QUEUE_NAME)")
}

// finish binds every flag to its GUESS_ environment variable. An explicit
// flag wins over the environment.
func finish(cmd *cobra.Command, fs *pflag.FlagSet) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
}
