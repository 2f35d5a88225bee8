package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// EnvPrefix is the prefix of environment variables overriding the configuration file.
	EnvPrefix = "refdb"

	defaultDeployTimeout = Duration(time.Minute)
	defaultMaxRetries    = 3
	defaultUpdateHelper  = "rp-git-update"
	defaultTombstones    = 20000
)

// Cfg is a container for all config derived from config.toml.
type Cfg struct {
	PrometheusListenAddr string      `toml:"prometheus_listen_addr" split_words:"true"`
	Logging              Logging     `toml:"logging" envconfig:"logging"`
	Git                  Git         `toml:"git" envconfig:"git"`
	Refs                 Refs        `toml:"refs" envconfig:"refs"`
	Replication          Replication `toml:"replication" envconfig:"replication"`
	Tombstones           Tombstones  `toml:"tombstones" envconfig:"tombstones"`
}

// Logging contains the logging configuration
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Git contains the settings for the Git executable
type Git struct {
	BinPath string `toml:"bin_path" split_words:"true"`
}

// Refs configures the reference database.
type Refs struct {
	// RetrySleep is the schedule of waits between attempts to take reference locks. An
	// empty schedule selects the built-in one.
	RetrySleep []Duration `toml:"retry_sleep" split_words:"true"`
	Bare       bool       `toml:"bare"`
	// AtomicTransactions defaults to true.
	AtomicTransactions *bool `toml:"atomic_transactions" split_words:"true"`
}

// Atomic tells whether batches may be applied as atomic transactions.
func (r Refs) Atomic() bool {
	return r.AtomicTransactions == nil || *r.AtomicTransactions
}

// Schedule returns the lock retry schedule.
func (r Refs) Schedule() []time.Duration {
	schedule := make([]time.Duration, 0, len(r.RetrySleep))
	for _, d := range r.RetrySleep {
		schedule = append(schedule, d.Duration())
	}
	return schedule
}

// Replication configures how reference updates reach the replication engine.
type Replication struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	// Port selects an engine listening on localhost when no URL is set.
	Port            int      `toml:"port"`
	DeployTimeout   Duration `toml:"deploy_timeout" split_words:"true"`
	UseUpdateHelper bool     `toml:"use_update_helper" split_words:"true"`
	UpdateHelper    string   `toml:"update_helper" split_words:"true"`
	Verbose         bool     `toml:"verbose"`
	MaxRetries      int      `toml:"max_retries" split_words:"true"`
}

// EngineURL returns the base URL of the replication engine, or an empty string if none is
// configured.
func (r Replication) EngineURL() string {
	if r.URL != "" {
		return r.URL
	}
	if r.Port > 0 {
		return fmt.Sprintf("http://localhost:%d", r.Port)
	}
	return ""
}

// Tombstones configures the cache of recently deleted objects.
type Tombstones struct {
	Capacity int `toml:"capacity"`
	// Seed is a comma separated list of object IDs. The DELETED_OBJECTID_TOMBSTONES
	// environment variable is used when it is empty.
	Seed string `toml:"seed"`
}

// Duration is a time.Duration which is written as a string like "1m30s" in the configuration.
type Duration time.Duration

// Duration converts to time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Load initializes the Config variable from file and the environment.
// Environment variables take precedence over the file.
func Load(file io.Reader) (Cfg, error) {
	var cfg Cfg

	if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
		return Cfg{}, fmt.Errorf("load toml: %v", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Cfg{}, fmt.Errorf("envconfig: %v", err)
	}

	cfg.setDefaults()

	return cfg, nil
}

func (cfg *Cfg) setDefaults() {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Git.BinPath == "" {
		cfg.Git.BinPath = "git"
	}
	if cfg.Replication.DeployTimeout == 0 {
		cfg.Replication.DeployTimeout = defaultDeployTimeout
	}
	if cfg.Replication.UpdateHelper == "" {
		cfg.Replication.UpdateHelper = defaultUpdateHelper
	}
	if cfg.Replication.MaxRetries == 0 {
		cfg.Replication.MaxRetries = defaultMaxRetries
	}
	if cfg.Tombstones.Capacity == 0 {
		cfg.Tombstones.Capacity = defaultTombstones
	}
}

// Validate checks the current Config for sanity.
func (cfg *Cfg) Validate() error {
	for _, run := range []func() error{
		cfg.validateLogging,
		cfg.validateRefs,
		cfg.validateReplication,
		cfg.validateTombstones,
	} {
		if err := run(); err != nil {
			return err
		}
	}

	return nil
}

func (cfg *Cfg) validateLogging() error {
	switch cfg.Logging.Format {
	case "", "json", "text":
		return nil
	default:
		return fmt.Errorf("invalid logging format %q", cfg.Logging.Format)
	}
}

func (cfg *Cfg) validateRefs() error {
	for _, d := range cfg.Refs.RetrySleep {
		if d < 0 {
			return fmt.Errorf("refs.retry_sleep: negative duration %s", d.Duration())
		}
	}
	return nil
}

func (cfg *Cfg) validateReplication() error {
	r := cfg.Replication
	if !r.Enabled {
		return nil
	}

	if r.URL != "" {
		u, err := url.Parse(r.URL)
		if err != nil {
			return fmt.Errorf("replication.url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("replication.url: unsupported scheme %q", u.Scheme)
		}
	}
	if r.Port < 0 || r.Port > 65535 {
		return fmt.Errorf("replication.port: invalid port %d", r.Port)
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("replication.max_retries: must not be negative")
	}

	if r.UseUpdateHelper {
		path, err := findExecutable(r.UpdateHelper)
		if err != nil {
			return fmt.Errorf("replication.update_helper: %w", err)
		}
		log.WithField("path", path).Debug("replication.update_helper set")
	}

	return nil
}

// findExecutable resolves bare names through PATH and checks that explicit paths are
// executable.
func findExecutable(name string) (string, error) {
	if !strings.Contains(name, "/") {
		return exec.LookPath(name)
	}

	if err := unix.Access(name, unix.X_OK); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return "", fmt.Errorf("not executable: %v", name)
		}
		return "", err
	}
	return name, nil
}

func (cfg *Cfg) validateTombstones() error {
	if cfg.Tombstones.Capacity < 0 {
		return fmt.Errorf("tombstones.capacity: must not be negative")
	}
	return nil
}
