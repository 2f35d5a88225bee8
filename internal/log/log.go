package log

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

const (
	// LogDirEnvKey defines the environment variable used to specify the log directory of
	// helper processes whose standard output is reserved for their result.
	LogDirEnvKey = "REFDB_LOG_DIR"
	// LogTimestampFormat defines the timestamp format in log files
	LogTimestampFormat = "2006-01-02T15:04:05.000Z"
)

var (
	defaultLogger = logrus.StandardLogger()

	// Loggers is convenient when you want to apply configuration to all
	// loggers
	Loggers = []*logrus.Logger{defaultLogger}
)

func init() {
	// Standard output carries command results, so logs go to stderr even before the
	// configuration has been loaded.
	for _, l := range Loggers {
		l.Out = os.Stderr
	}
}

// Configure sets the format and level on all loggers. An empty format keeps the current
// formatter and an unknown level falls back to info.
func Configure(loggers []*logrus.Logger, format string, level string) error {
	var formatter logrus.Formatter
	switch format {
	case "json":
		formatter = &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat}
	case "text":
		formatter = &logrus.TextFormatter{TimestampFormat: LogTimestampFormat}
	case "":
	default:
		return fmt.Errorf("invalid logger format %q", format)
	}

	logrusLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logrusLevel = logrus.InfoLevel
	}

	for _, l := range loggers {
		l.SetLevel(logrusLevel)

		if formatter != nil {
			l.Formatter = formatter
		}
	}

	return nil
}

// Default returns the process logger tagged with the pid.
func Default() *logrus.Entry { return defaultLogger.WithField("pid", os.Getpid()) }
