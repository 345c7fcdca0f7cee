package streamfile

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// NewLogger returns the default stderr logger. debug enables the phase
// transition diagnostics that are otherwise suppressed.
func NewLogger(debug bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	setDebug(l, debug)
	return l
}

// NewFileLogger returns a logger appending to path. The returned closer
// releases the file.
func NewFileLogger(path string, debug bool) (*logrus.Logger, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	l := logrus.New()
	l.SetOutput(f)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	setDebug(l, debug)
	return l, f, nil
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func setDebug(l *logrus.Logger, debug bool) {
	if debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
}

// headerFields formats a header for structured logging.
func headerFields(h Header) logrus.Fields {
	return logrus.Fields{
		"version":   h.Version,
		"meta_len":  h.MetaLen,
		"file_name": h.Name,
		"file_size": h.FileSize,
	}
}

// LoggingReader wraps a link reader and logs every read at debug level.
type LoggingReader struct {
	reader io.Reader
	logger logrus.FieldLogger
	name   string
	total  int64
}

func NewLoggingReader(reader io.Reader, logger logrus.FieldLogger, name string) *LoggingReader {
	return &LoggingReader{reader: reader, logger: logger, name: name}
}

func (lr *LoggingReader) Read(p []byte) (int, error) {
	n, err := lr.reader.Read(p)
	lr.total += int64(n)
	if n > 0 {
		lr.logger.WithFields(logrus.Fields{
			"link":  lr.name,
			"bytes": n,
			"total": lr.total,
		}).Debug("link read")
	}
	// timeouts are Drain polling for cancellation
	if err != nil && err != io.EOF && !errors.Is(err, os.ErrDeadlineExceeded) {
		lr.logger.WithField("link", lr.name).WithError(err).Error("link read failed")
	}
	return n, err
}

// SetReadDeadline forwards to the wrapped reader. Readers without deadline
// support report os.ErrNoDeadline.
func (lr *LoggingReader) SetReadDeadline(t time.Time) error {
	if dr, ok := lr.reader.(ReaderWithTimeout); ok {
		return dr.SetReadDeadline(t)
	}
	return os.ErrNoDeadline
}

// LoggingWriter wraps a link writer and logs every write at debug level.
type LoggingWriter struct {
	writer io.Writer
	logger logrus.FieldLogger
	name   string
	total  int64
}

func NewLoggingWriter(writer io.Writer, logger logrus.FieldLogger, name string) *LoggingWriter {
	return &LoggingWriter{writer: writer, logger: logger, name: name}
}

func (lw *LoggingWriter) Write(p []byte) (int, error) {
	n, err := lw.writer.Write(p)
	lw.total += int64(n)
	if n > 0 {
		lw.logger.WithFields(logrus.Fields{
			"link":  lw.name,
			"bytes": n,
			"total": lw.total,
		}).Debug("link write")
	}
	if err != nil {
		lw.logger.WithField("link", lw.name).WithError(err).Error("link write failed")
	}
	return n, err
}
