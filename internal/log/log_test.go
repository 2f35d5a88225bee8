package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestConfigure(t *testing.T) {
	for _, tc := range []struct {
		desc   string
		format string
		level  string
		logger *logrus.Logger
	}{
		{
			desc:   "json format with info level",
			format: "json",
			logger: &logrus.Logger{
				Formatter: &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.InfoLevel,
			},
		},
		{
			desc:   "text format with debug level",
			format: "text",
			level:  "debug",
			logger: &logrus.Logger{
				Formatter: &logrus.TextFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.DebugLevel,
			},
		},
		{
			desc: "empty format keeps the formatter",
			logger: &logrus.Logger{
				Level: logrus.InfoLevel,
			},
		},
		{
			desc:   "invalid level falls back to info",
			format: "json",
			level:  "chatty",
			logger: &logrus.Logger{
				Formatter: &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat},
				Level:     logrus.InfoLevel,
			},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			loggers := []*logrus.Logger{{}, {}}
			require.NoError(t, Configure(loggers, tc.format, tc.level))
			require.Equal(t, []*logrus.Logger{tc.logger, tc.logger}, loggers)
		})
	}
}

func TestConfigure_invalidFormat(t *testing.T) {
	logger := &logrus.Logger{Level: logrus.WarnLevel}
	require.EqualError(t, Configure([]*logrus.Logger{logger}, "xml", "debug"), `invalid logger format "xml"`)
	require.Equal(t, logrus.WarnLevel, logger.Level)
}

func TestNewHelperLogger(t *testing.T) {
	t.Run("without log directory", func(t *testing.T) {
		require.NoError(t, os.Unsetenv(LogDirEnvKey))

		logger, closer, err := NewHelperLogger("rp-git-update")
		require.NoError(t, err)
		logger.Info("discarded")
		require.NoError(t, closer.Close())
	})

	t.Run("with log directory", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.Setenv(LogDirEnvKey, dir))
		defer func() { require.NoError(t, os.Unsetenv(LogDirEnvKey)) }()

		logger, closer, err := NewHelperLogger("rp-git-update")
		require.NoError(t, err)
		logger.WithField("ref", "refs/heads/main").Info("computed request")
		require.NoError(t, closer.Close())

		content, err := os.ReadFile(filepath.Join(dir, "rp-git-update.log"))
		require.NoError(t, err)
		require.Contains(t, string(content), `"ref":"refs/heads/main"`)
	})
}
