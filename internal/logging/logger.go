// Package logging emits structured, PII-redacted log records: one JSON
// object per line with timestamp, level, service, message, and the
// correlation/trace identifiers pulled from the request context.
package logging

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/trustplane/backend/internal/correlation"
)

// Level is the log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Record is the wire shape of a single log line.
type Record struct {
	Timestamp     string                 `json:"ts"`
	Level         string                 `json:"level"`
	Service       string                 `json:"service"`
	Message       string                 `json:"message"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	TraceID       string                 `json:"trace_id,omitempty"`
	SpanID        string                 `json:"span_id,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`
}

// Logger writes redacted JSON records to a single writer.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	service  string
	min      Level
	redactor *Redactor
}

// New creates a logger for the named service writing to stderr.
func New(service string) *Logger {
	return NewWithWriter(service, os.Stderr)
}

// NewWithWriter creates a logger with an explicit output, used by tests.
func NewWithWriter(service string, out io.Writer) *Logger {
	return &Logger{
		out:      out,
		service:  service,
		min:      LevelInfo,
		redactor: NewRedactor(ModeMask),
	}
}

// SetLevel lowers or raises the minimum emitted level.
func (l *Logger) SetLevel(min Level) { l.min = min }

// SetRedactMode switches the redaction mode for all subsequent records.
func (l *Logger) SetRedactMode(mode RedactMode) { l.redactor = NewRedactor(mode) }

func (l *Logger) Debug(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(ctx, LevelDebug, msg, fields)
}

func (l *Logger) Info(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(ctx, LevelInfo, msg, fields)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(ctx, LevelWarn, msg, fields)
}

func (l *Logger) Error(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(ctx, LevelError, msg, fields)
}

func (l *Logger) emit(ctx context.Context, level Level, msg string, fields map[string]interface{}) {
	if level < l.min {
		return
	}

	scrubbedMsg, _ := l.redactor.Scrub(msg)
	rec := Record{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Level:         level.String(),
		Service:       l.service,
		Message:       scrubbedMsg,
		CorrelationID: correlation.FromContext(ctx),
		Context:       l.redactor.ScrubFields(fields),
	}

	line, err := json.Marshal(rec)
	if err != nil {
		// Marshal failure should never silently drop the record.
		log.Printf("logging: marshal failed: %v (msg=%q)", err, msg)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Write(append(line, '\n'))
}
