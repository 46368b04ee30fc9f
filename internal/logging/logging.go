// Package logging wraps logrus with the field conventions used across the
// venue supervisors, transport adapters and archive writers: every entry
// carries a "component" field, JSON-formatted with caller information.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields has the same shape as logrus.Fields and is converted to it
// internally, to keep call sites free of the logrus import.
type Fields map[string]interface{}

// Log wraps *logrus.Logger.
type Log struct {
	*logrus.Logger
}

// Entry wraps *logrus.Entry.
type Entry struct {
	*logrus.Entry
}

var global *Log

func init() {
	global = New()
}

// New builds a logger with sane defaults: JSON output to stderr, level from
// $LOG_LEVEL (default info), caller info enabled.
func New() *Log {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetReportCaller(true)

	level := strings.ToLower(os.Getenv("LOG_LEVEL"))
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}

	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat:  time.RFC3339Nano,
		CallerPrettyfier: prettifyCaller,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	return &Log{Logger: l}
}

func prettifyCaller(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

// Get returns the process-wide logger instance.
func Get() *Log { return global }

// Configure applies output/format/level settings, matching the shape of a
// runtime-config file's logging section. output may be "stdout", "stderr",
// or a file path; for a file path a lumberjack rotating writer is used when
// maxAgeDays is positive, otherwise the file is opened in append mode.
func (l *Log) Configure(level, format, output string, maxAgeDays int) error {
	if level != "" {
		lvl, err := logrus.ParseLevel(strings.ToLower(level))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		l.SetLevel(lvl)
	}

	switch format {
	case "text":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: prettifyCaller,
		})
	case "json", "":
		// already the default
	default:
		return fmt.Errorf("invalid log format %q", format)
	}

	switch output {
	case "", "stderr":
		l.SetOutput(os.Stderr)
	case "stdout":
		l.SetOutput(os.Stdout)
	default:
		if maxAgeDays > 0 {
			l.SetOutput(&lumberjack.Logger{Filename: output, MaxAge: maxAgeDays, MaxSize: 100, Compress: true})
		} else {
			f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("open log file %q: %w", output, err)
			}
			l.SetOutput(f)
		}
	}
	return nil
}

func (l *Log) WithComponent(c string) *Entry {
	return &Entry{Entry: l.Logger.WithField("component", c)}
}

func (l *Log) WithFields(f Fields) *Entry {
	return &Entry{Entry: l.Logger.WithFields(logrus.Fields(f))}
}

func (l *Log) WithError(err error) *Entry {
	return &Entry{Entry: l.Logger.WithError(err)}
}

func (e *Entry) WithComponent(c string) *Entry {
	return &Entry{Entry: e.Entry.WithField("component", c)}
}

func (e *Entry) WithFields(f Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(f))}
}

func (e *Entry) WithField(k string, v interface{}) *Entry {
	return &Entry{Entry: e.Entry.WithField(k, v)}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}
