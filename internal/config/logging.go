package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// EnvLogLevel overrides the log_level setting.
const EnvLogLevel = "CHIRRI_LOG"

// ParseLogLevel maps a settings level (case insensitive) to a logrus
// level. "" means info; "off" and "none" are accepted and map to the
// quietest level.
func ParseLogLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info", "":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "off", "none":
		return logrus.PanicLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("invalid log level %q: must be one of trace, debug, info, warn, off", level)
	}
}

// LoggingEnabled reports whether level produces any output.
func LoggingEnabled(level string) bool {
	l := strings.ToLower(level)
	return l != "off" && l != "none"
}

// SetupLogging configures the standard logrus logger. Priority:
// verbose flag > CHIRRI_LOG > settings.
func SetupLogging(settings *GlobalSettings, verbose bool) error {
	return setupLogger(logrus.StandardLogger(), os.Stderr, settings.LogLevel, verbose)
}

func setupLogger(logger *logrus.Logger, out io.Writer, level string, verbose bool) error {
	if env := os.Getenv(EnvLogLevel); env != "" {
		level = env
	}
	if verbose {
		level = "debug"
	}
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: !verbose})
	if !LoggingEnabled(level) {
		logger.SetOutput(io.Discard)
		return nil
	}
	logger.SetOutput(out)
	logger.SetLevel(lvl)
	return nil
}
