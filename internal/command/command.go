package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
)

// exportedEnvVars contains a list of environment variables
// that are always exported to child processes on spawn
var exportedEnvVars = []string{
	"HOME",
	"PATH",
	"LD_LIBRARY_PATH",
	"TZ",

	// Export git tracing variables for easier debugging
	"GIT_TRACE",
	"GIT_TRACE_PACK_ACCESS",
	"GIT_TRACE_SETUP",

	// The update helper seeds its tombstone cache from the parent's.
	"DELETED_OBJECTID_TOMBSTONES",
}

// exportedEnvPrefixes are exported as a whole. The update helper reads its replication
// settings, log directory and tracer configuration from them.
var exportedEnvPrefixes = []string{
	"REFDB_",
	"JAEGER_",
}

const (
	// maxStderrBytes is at most how many bytes will be kept from stderr
	maxStderrBytes = 10000 // 10kb
	// maxStderrLineLength is at most how many bytes of a single line will be kept
	maxStderrLineLength = 4096
)

// Command encapsulates a running exec.Cmd. The embedded exec.Cmd is
// terminated and reaped automatically when the context.Context that
// created it is canceled.
type Command struct {
	reader       io.Reader
	writer       io.WriteCloser
	stderrBuffer *stderrBuffer
	cmd          *exec.Cmd
	context      context.Context
	startTime    time.Time

	waitError error
	waitOnce  sync.Once

	span opentracing.Span
}

type stdinSentinel struct{}

func (stdinSentinel) Read([]byte) (int, error) {
	return 0, errors.New("stdin sentinel should not be read from")
}

// SetupStdin instructs New() to configure the stdin pipe of the command it is
// creating. This allows you call Write() on the command as if it is an ordinary
// io.Writer, sending data directly to the stdin of the process.
var SetupStdin io.Reader = stdinSentinel{}

// Read calls Read() on the stdout pipe of the command.
func (c *Command) Read(p []byte) (int, error) {
	if c.reader == nil {
		panic("command has no reader")
	}

	return c.reader.Read(p)
}

// Write calls Write() on the stdin pipe of the command.
func (c *Command) Write(p []byte) (int, error) {
	if c.writer == nil {
		panic("command has no writer")
	}

	return c.writer.Write(p)
}

// Wait blocks until the command has finished and reports the command exit
// status via the error return value. Use ExitStatus to get the integer
// exit status from the error returned by Wait().
func (c *Command) Wait() error {
	c.waitOnce.Do(c.wait)

	return c.waitError
}

// Stderr returns what the command has written to its standard error so far, truncated to a
// bounded size. It is empty if an explicit stderr writer was passed to New.
func (c *Command) Stderr() string {
	if c.stderrBuffer == nil {
		return ""
	}
	return c.stderrBuffer.String()
}

var wg = &sync.WaitGroup{}

// WaitAllDone waits for all commands started by the command package to
// finish.
func WaitAllDone() {
	wg.Wait()
}

type contextWithoutDonePanic string

// New creates a Command from an exec.Cmd. On success, the Command
// contains a running subprocess. When ctx is canceled the embedded
// process will be terminated and reaped automatically.
//
// If stdin is specified as SetupStdin, you will be able to write to the stdin
// of the subprocess by calling Write() on the returned Command. A nil stdout
// makes the output readable via Read(), a nil stderr collects the output for
// logging and for Stderr().
func New(ctx context.Context, cmd *exec.Cmd, stdin io.Reader, stdout, stderr io.Writer, env ...string) (*Command, error) {
	if ctx.Done() == nil {
		panic(contextWithoutDonePanic("command spawned with context without Done() channel"))
	}

	if err := checkNullArgv(cmd); err != nil {
		return nil, err
	}

	span, ctx := opentracing.StartSpanFromContext(
		ctx,
		cmd.Path,
		opentracing.Tag{Key: "args", Value: strings.Join(cmd.Args, " ")},
	)

	command := &Command{
		cmd:       cmd,
		startTime: time.Now(),
		context:   ctx,
		span:      span,
	}

	env = append(env, "GIT_TERMINAL_PROMPT=0")
	cmd.Env = append(env, AllowedEnvironment(os.Environ())...)

	// Start the command in its own process group (nice for signalling)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if stdin == SetupStdin {
		pipe, err := cmd.StdinPipe()
		if err != nil {
			span.Finish()
			return nil, fmt.Errorf("stdin: %w", err)
		}
		command.writer = pipe
	} else if stdin != nil {
		cmd.Stdin = stdin
	}

	if stdout != nil {
		cmd.Stdout = stdout
	} else {
		pipe, err := cmd.StdoutPipe()
		if err != nil {
			span.Finish()
			return nil, fmt.Errorf("stdout: %w", err)
		}
		command.reader = pipe
	}

	if stderr != nil {
		cmd.Stderr = stderr
	} else {
		command.stderrBuffer = newStderrBuffer(maxStderrBytes, maxStderrLineLength)
		cmd.Stderr = command.stderrBuffer
	}

	if err := cmd.Start(); err != nil {
		span.Finish()
		return nil, fmt.Errorf("start %v: %w", cmd.Args, err)
	}
	inFlightCommandGauge.Inc()

	ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
		"pid":  cmd.Process.Pid,
		"path": cmd.Path,
		"args": cmd.Args,
	}).Debug("spawn")

	// The goroutine below is responsible for terminating and reaping the
	// process when ctx is canceled.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()

		if process := cmd.Process; process != nil && process.Pid > 0 {
			// Send SIGTERM to the process group of cmd
			_ = syscall.Kill(-process.Pid, syscall.SIGTERM)
		}
		_ = command.Wait()
	}()

	return command, nil
}

// AllowedEnvironment filters the given slice of environment variables and
// returns all variables which are allowed per the variables defined above.
func AllowedEnvironment(envs []string) []string {
	var filtered []string

	for _, env := range envs {
		if isExported(env) {
			filtered = append(filtered, env)
		}
	}

	return filtered
}

func isExported(env string) bool {
	for _, exportedEnv := range exportedEnvVars {
		if strings.HasPrefix(env, exportedEnv+"=") {
			return true
		}
	}
	for _, prefix := range exportedEnvPrefixes {
		if strings.HasPrefix(env, prefix) {
			return true
		}
	}
	return false
}

// This function should never be called directly, use Wait().
func (c *Command) wait() {
	if c.writer != nil {
		// Prevent the command from blocking on waiting for stdin to be closed
		c.writer.Close()
	}

	if c.reader != nil {
		// Prevent the command from blocking on writing to its stdout.
		_, _ = io.Copy(io.Discard, c.reader)
	}

	c.waitError = c.cmd.Wait()

	inFlightCommandGauge.Dec()

	c.logProcessComplete()
}

// ExitStatus will return the exit-code from an error returned by Wait().
func ExitStatus(err error) (int, bool) {
	var exitError *exec.ExitError
	if !errors.As(err, &exitError) {
		return 0, false
	}

	waitStatus, ok := exitError.Sys().(syscall.WaitStatus)
	if !ok {
		return 0, false
	}

	return waitStatus.ExitStatus(), true
}

func (c *Command) logProcessComplete() {
	exitCode := 0
	if c.waitError != nil {
		if exitStatus, ok := ExitStatus(c.waitError); ok {
			exitCode = exitStatus
		}
	}

	cmd := c.cmd
	realTime := time.Since(c.startTime)

	entry := ctxlogrus.Extract(c.context).WithFields(logrus.Fields{
		"pid":                  cmd.ProcessState.Pid(),
		"path":                 cmd.Path,
		"args":                 cmd.Args,
		"command.exitCode":     exitCode,
		"command.real_time_ms": realTime.Seconds() * 1000,
	})

	entry.Debug("spawn complete")
	if c.stderrBuffer != nil && c.stderrBuffer.Len() > 0 {
		entry.Debug(c.stderrBuffer.String())
	}

	c.span.LogKV(
		"pid", cmd.ProcessState.Pid(),
		"exit_code", exitCode,
		"real_time_ms", int(realTime.Seconds()*1000),
	)
	c.span.Finish()
}

// Command arguments will be passed to the exec syscall as
// null-terminated C strings. That means the arguments themselves may not
// contain a null byte. The go stdlib checks for null bytes but it
// returns a cryptic error. This function returns a more explicit error.
func checkNullArgv(cmd *exec.Cmd) error {
	for _, arg := range cmd.Args {
		if strings.IndexByte(arg, 0) > -1 {
			// Use %q so that the null byte gets printed as \x00
			return fmt.Errorf("detected null byte in command argument %q", arg)
		}
	}

	return nil
}
