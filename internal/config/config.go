// Package config parses and validates the updater configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup and pass the resulting [Config] down by value.
// Nothing below cmd/ reads the environment.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/caarlos0/env/v11"
)

// ErrInvalid is returned by Validate for out-of-range settings.
var ErrInvalid = errors.New("invalid config")

// localSocketDir is where the Postgres unix socket lives when no remote host
// is configured.
const localSocketDir = "/var/run/postgresql"

// Config holds all updater configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseName string `env:"DATABASE_NAME" envDefault:"app"`
	DatabaseUser string `env:"DATABASE_USER" envDefault:"app"`
	// DatabasePassword is read from the file named by DATABASE_PASSWORD_FILE
	// when that is set, otherwise from DATABASE_PASSWORD.
	DatabasePassword     string `env:"DATABASE_PASSWORD"`
	DatabasePasswordFile string `env:"DATABASE_PASSWORD_FILE,file"`
	RemoteHost           string `env:"REMOTE_POSTGRES_HOST"`
	RemotePort           int    `env:"REMOTE_POSTGRES_PORT"    envDefault:"5432"`
	SSLMode              string `env:"REMOTE_POSTGRES_SSLMODE" envDefault:"prefer"`
	DBStatementTimeoutMS int    `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"60000"`

	// ── Search ───────────────────────────────────────────────────────────────────
	UsingSecondaryIndex bool   `env:"USING_SECONDARY_INDEX"  envDefault:"false"`
	TextSearchConfig    string `env:"FTS_TEXT_SEARCH_CONFIG" envDefault:"english"`

	// ── Updater loop ─────────────────────────────────────────────────────────────
	Quiet               bool          `env:"FTS_QUIET"                 envDefault:"false"`
	BatchSize           int           `env:"FTS_BATCH_SIZE"            envDefault:"1000"`
	NotifyChannel       string        `env:"FTS_NOTIFY_CHANNEL"        envDefault:"fts_update_log"`
	NotifyTimeout       time.Duration `env:"FTS_NOTIFY_TIMEOUT"        envDefault:"30s"`
	ReconnectBackoff    time.Duration `env:"FTS_RECONNECT_BACKOFF"     envDefault:"5s"`
	ReplicaPollInterval time.Duration `env:"FTS_REPLICA_POLL_INTERVAL" envDefault:"30s"`
	InitialRetries      int           `env:"FTS_INITIAL_RETRIES"       envDefault:"1"`
	ReconnectRetries    int           `env:"FTS_RECONNECT_RETRIES"     envDefault:"30"`

	// ── Ops ──────────────────────────────────────────────────────────────────────
	// Empty disables the /metrics and /healthz listener.
	MetricsAddr string `env:"METRICS_ADDR"`
	AppEnv      string `env:"APP_ENV" envDefault:"production"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses, validates and returns Config from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.DatabasePasswordFile != "" {
		cfg.DatabasePassword = strings.TrimSpace(cfg.DatabasePasswordFile)
	}
	cfg.DatabasePasswordFile = ""
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// channelPattern accepts unquoted Postgres identifiers, which is what LISTEN
// takes.
var channelPattern = regexp.MustCompile(`^[a-z_][a-z0-9_$]{0,62}$`)

var sslModes = map[string]bool{
	"disable": true, "allow": true, "prefer": true,
	"require": true, "verify-ca": true, "verify-full": true,
}

// Validate reports the first setting that cannot drive the updater.
func (c Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: FTS_BATCH_SIZE must be positive, got %d", ErrInvalid, c.BatchSize)
	case c.NotifyTimeout <= 0:
		return fmt.Errorf("%w: FTS_NOTIFY_TIMEOUT must be positive", ErrInvalid)
	case c.ReconnectBackoff < 0:
		return fmt.Errorf("%w: FTS_RECONNECT_BACKOFF must not be negative", ErrInvalid)
	case c.ReplicaPollInterval <= 0:
		return fmt.Errorf("%w: FTS_REPLICA_POLL_INTERVAL must be positive", ErrInvalid)
	case c.InitialRetries <= 0 || c.ReconnectRetries <= 0:
		return fmt.Errorf("%w: retry budgets must be positive", ErrInvalid)
	case !channelPattern.MatchString(c.NotifyChannel):
		return fmt.Errorf("%w: FTS_NOTIFY_CHANNEL %q is not a plain identifier", ErrInvalid, c.NotifyChannel)
	case c.TextSearchConfig == "":
		return fmt.Errorf("%w: FTS_TEXT_SEARCH_CONFIG is empty", ErrInvalid)
	case c.RemoteHost != "" && !sslModes[c.SSLMode]:
		return fmt.Errorf("%w: unknown REMOTE_POSTGRES_SSLMODE %q", ErrInvalid, c.SSLMode)
	}
	return nil
}

// WithQuiet returns a copy of c with Quiet forced on when quiet is true.
func (c Config) WithQuiet(quiet bool) Config {
	if quiet {
		c.Quiet = true
	}
	return c
}

// IsDevelopment reports whether the updater is running in development mode.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// ConnString builds a keyword/value connection string. Without a remote host
// the local unix socket is used and sslmode is left to the driver default.
func (c Config) ConnString() string {
	kv := []string{
		"dbname=" + quoteValue(c.DatabaseName),
		"user=" + quoteValue(c.DatabaseUser),
	}
	if c.DatabasePassword != "" {
		kv = append(kv, "password="+quoteValue(c.DatabasePassword))
	}
	if c.RemoteHost != "" {
		kv = append(kv,
			"host="+quoteValue(c.RemoteHost),
			"port="+strconv.Itoa(c.RemotePort),
			"sslmode="+c.SSLMode,
		)
	} else {
		kv = append(kv, "host="+localSocketDir)
	}
	return strings.Join(kv, " ")
}

// quoteValue quotes a libpq keyword/value when it is empty or contains
// whitespace, a quote or a backslash.
func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, `'\`) && !strings.ContainsFunc(v, unicode.IsSpace) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
