package log

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewHelperLogger creates a logger for a helper process. Its standard output carries the
// result, so it logs into `<REFDB_LOG_DIR>/<name>.log` or discards everything if the variable
// is unset. The returned closer must be called once the process is done logging.
func NewHelperLogger(name string) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()
	logger.Formatter = &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat}

	dir := os.Getenv(LogDirEnvKey)
	if dir == "" {
		logger.SetOutput(io.Discard)
		return logger, nopCloser{}, nil
	}

	logFile, err := os.OpenFile(filepath.Join(dir, name+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	logger.SetOutput(logFile)

	return logger, logFile, nil
}
