package logger

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/cmdgate/cmdgate/cmd/cmdgate/config"
)

// Init initializes the logger from the loaded config
func Init() {
	c := config.Get().Logging
	log.SetOutput(MustGetLogWriter(c.Internal.Dir, "cmdgate.log", c.Internal.StdErr))
	parsedLevel, err := log.ParseLevel(c.Internal.Level)
	if err != nil {
		log.WithError(err).Error("Error parsing log level")
	} else {
		log.SetLevel(parsedLevel)
	}
	if c.Internal.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	if c.Internal.Smart.Enabled {
		log.AddHook(newErrorFileHook(MustGetLogWriter(c.Internal.Smart.Dir, "errors.log")))
	}
}

// AccessLogWriter returns the writer used by the http access log
func AccessLogWriter() io.Writer {
	c := config.Get().Logging.Access
	return MustGetLogWriter(c.Dir, "access.log", c.StdErr)
}

// MustGetLogWriter returns an io.Writer that writes to the log file in dir.
// Without a dir it writes to stderr. If alsoStderr is set, it writes to both.
func MustGetLogWriter(dir, filename string, alsoStderr ...bool) io.Writer {
	if dir == "" {
		return os.Stderr
	}
	path := filepath.Join(dir, filename)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		log.WithError(err).WithField("file", path).Fatal("could not open log file")
	}
	if len(alsoStderr) > 0 && alsoStderr[0] {
		return io.MultiWriter(file, os.Stderr)
	}
	return file
}

// errorFileHook duplicates entries of level error and above into a writer
type errorFileHook struct {
	out       io.Writer
	formatter log.Formatter
}

func newErrorFileHook(out io.Writer) *errorFileHook {
	return &errorFileHook{
		out:       out,
		formatter: &log.JSONFormatter{},
	}
}

// Levels implements the log.Hook interface
func (h *errorFileHook) Levels() []log.Level {
	return []log.Level{log.PanicLevel, log.FatalLevel, log.ErrorLevel}
}

// Fire implements the log.Hook interface
func (h *errorFileHook) Fire(entry *log.Entry) error {
	data, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.out.Write(data)
	return err
}
