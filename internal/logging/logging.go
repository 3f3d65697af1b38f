// Package logging wraps a logrus.Logger with the append-only,
// DD-MM-YYYY.log file sink described in spec.md §6, replacing the
// teacher's bare log.Printf with the structured logging the rest of the
// retrieval pack (moby-moby, nabbar-golib) uses. It also implements
// corectx.LogSink for the core.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ealireza/socks5d/internal/corectx"
)

// logFilePerm and logDirPerm fix the original C server's permission-bits
// bug (it passes the decimal literal 666 where octal 0666 was intended) —
// see SPEC_FULL.md §9.
const (
	logDirPerm  = 0o755
	logFilePerm = 0o644
)

// dailyFileWriter is an io.Writer that appends to ./<dir>/DD-MM-YYYY.log,
// reopening the file whenever the date rolls over. Writes are buffered by
// logrus's own io.Writer contract (one Write per log line); this type adds
// only the rotation. The original line format comes from
// originalLineFormatter.
type dailyFileWriter struct {
	mu      sync.Mutex
	dir     string
	day     string
	file    *os.File
	nowFunc func() time.Time
}

func newDailyFileWriter(dir string) (*dailyFileWriter, error) {
	if err := os.MkdirAll(dir, logDirPerm); err != nil {
		return nil, fmt.Errorf("logging: mkdir %s: %w", dir, err)
	}
	w := &dailyFileWriter{dir: dir, nowFunc: time.Now}
	if err := w.rollIfNeeded(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *dailyFileWriter) rollIfNeeded() error {
	day := w.nowFunc().Format("02-01-2006")
	if day == w.day && w.file != nil {
		return nil
	}
	if w.file != nil {
		_ = w.file.Close()
	}
	path := filepath.Join(w.dir, day+".log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, logFilePerm)
	if err != nil {
		return fmt.Errorf("logging: open %s: %w", path, err)
	}
	w.file = f
	w.day = day
	return nil
}

// Write implements io.Writer. It is called by logrus with one formatted
// line per call.
func (w *dailyFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rollIfNeeded(); err != nil {
		return 0, err
	}
	return w.file.Write(p)
}

func (w *dailyFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// originalLineFormatter renders "[DD/MM/YYYY HH:MM:SS] message\n", the
// exact line format of the original C logger.
type originalLineFormatter struct{}

func (originalLineFormatter) Format(e *logrus.Entry) ([]byte, error) {
	line := fmt.Sprintf("[%s] %s\n", e.Time.Format("02/01/2006 15:04:05"), e.Message)
	return []byte(line), nil
}

// Logger bundles a console logrus.Logger with the daily file sink, and
// implements corectx.LogSink.
type Logger struct {
	console *logrus.Logger
	file    *logrus.Logger
	fileW   *dailyFileWriter
}

// New builds a Logger that writes human-readable lines to stderr and
// appends to ./<dir>/DD-MM-YYYY.log. If dir is empty, "log" is used, per
// spec.md §6's default "./log/".
func New(dir string) (*Logger, error) {
	if dir == "" {
		dir = "log"
	}
	fw, err := newDailyFileWriter(dir)
	if err != nil {
		return nil, err
	}

	console := logrus.New()
	console.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	console.SetOutput(os.Stderr)

	file := logrus.New()
	file.SetFormatter(originalLineFormatter{})
	file.SetOutput(fw)

	return &Logger{console: console, file: file, fileW: fw}, nil
}

// Emit implements corectx.LogSink.
func (l *Logger) Emit(message string) {
	l.console.Info(message)
	l.file.Info(message)
}

// Warnf and Errorf give callers outside the core (CLI, listeners) the same
// leveled logging logrus exposes elsewhere in the pack.
func (l *Logger) Warnf(format string, args ...any) {
	l.console.Warnf(format, args...)
	l.file.Warnf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.console.Errorf(format, args...)
	l.file.Errorf(format, args...)
}

// Close flushes and closes the file sink.
func (l *Logger) Close() error {
	return l.fileW.Close()
}

var _ corectx.LogSink = (*Logger)(nil)
