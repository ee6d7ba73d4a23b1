package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// Config Struct that holds logging configuration options.
type Config struct {
	Level        string // Logging level (e.g., "info", "debug", "error")
	Format       string // Logging format ("text" or "json")
	Path         string // Optional file the logs are appended to
	ToStdout     bool   // Whether to write the logs to the standard output
	ReportCaller bool   // Whether to include the calling method/file in the logs
}

// Configure sets up the logger according to the provided Config settings.
// The returned closer releases the log file, it is never nil.
func Configure(c Config) (closer io.Closer, err error) {
	closer = io.NopCloser(nil)

	// Parse and set the log level
	parsedLevel, err := log.ParseLevel(c.Level)
	if err != nil {
		return
	}
	log.SetLevel(parsedLevel)

	switch c.Format {
	case "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
		})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		err = fmt.Errorf("invalid log format '%s'", c.Format)
		return
	}

	log.SetReportCaller(c.ReportCaller)

	var writers []io.Writer
	if c.ToStdout {
		writers = append(writers, os.Stdout)
	}

	if c.Path != "" {
		var f *os.File
		if f, err = os.OpenFile(filepath.Clean(c.Path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640); err != nil {
			return closer, fmt.Errorf("opening log file: %w", err)
		}
		writers = append(writers, f)
		closer = f
	}

	switch len(writers) {
	case 0:
		log.SetOutput(io.Discard)
	case 1:
		log.SetOutput(writers[0])
	default:
		log.SetOutput(io.MultiWriter(writers...))
	}

	return
}
