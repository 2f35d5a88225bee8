package testhelper

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	refdblog "github.com/WANdisco/jgit-sub000/internal/log"
	log "github.com/sirupsen/logrus"
)

var testDirectory string

// RunOption is an option that can be passed to Run.
type RunOption func(*runConfig)

type runConfig struct {
	setup                  func() error
	disableGoroutineChecks bool
}

// WithSetup allows the caller of Run to pass a setup function that will be called after global
// test state has been configured.
func WithSetup(setup func() error) RunOption {
	return func(cfg *runConfig) {
		cfg.setup = setup
	}
}

// WithDisabledGoroutineChecker disables checking for leaked Goroutines after tests have run.
func WithDisabledGoroutineChecker() RunOption {
	return func(cfg *runConfig) {
		cfg.disableGoroutineChecks = true
	}
}

// Run sets up required testing state and executes the given test suite. After the suite has
// finished it panics if goroutines or child processes have been leaked.
func Run(m *testing.M, opts ...RunOption) {
	code := 0

	// Run tests in a separate function such that we can use deferred statements and still
	// (indirectly) call `os.Exit()` in case the test setup failed.
	if err := func() error {
		var cfg runConfig
		for _, opt := range opts {
			opt(&cfg)
		}

		defer mustHaveNoChildProcess()
		if !cfg.disableGoroutineChecks {
			defer mustHaveNoGoroutines()
		}

		cleanup, err := configure()
		if err != nil {
			return fmt.Errorf("test configuration: %w", err)
		}
		defer cleanup()

		if cfg.setup != nil {
			if err := cfg.setup(); err != nil {
				return fmt.Errorf("error calling setup function: %w", err)
			}
		}

		code = m.Run()

		return nil
	}(); err != nil {
		fmt.Printf("%s", err)
		os.Exit(1)
	}

	os.Exit(code)
}

// isolatedEnvPrefixes are environment variables which would leak the configuration of the
// machine running the tests into them.
var isolatedEnvPrefixes = []string{"REFDB_", "DELETED_OBJECTID_TOMBSTONES=", "JAEGER_"}

func configure() (func(), error) {
	if err := refdblog.Configure(refdblog.Loggers, "json", "panic"); err != nil {
		return nil, err
	}

	for _, env := range os.Environ() {
		for _, prefix := range isolatedEnvPrefixes {
			if strings.HasPrefix(env, prefix) {
				if err := os.Unsetenv(strings.SplitN(env, "=", 2)[0]); err != nil {
					return nil, fmt.Errorf("isolating environment: %w", err)
				}
			}
		}
	}

	if testDirectory != "" {
		return nil, errors.New("test directory has already been configured")
	}

	dir, err := os.MkdirTemp("", "refdb-test-")
	if err != nil {
		return nil, fmt.Errorf("creating test directory: %w", err)
	}
	testDirectory = dir

	return func() {
		if err := os.RemoveAll(testDirectory); err != nil {
			log.Errorf("error removing test directory: %v", err)
		}
	}, nil
}
