package observability

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the zerolog output encoding.
type Format string

const (
	// FormatJSON writes one JSON object per line.
	FormatJSON Format = "json"
	// FormatConsole writes human readable, colourless console lines.
	FormatConsole Format = "console"
)

type zerologLogger struct {
	zl zerolog.Logger
}

// NewZerologLogger builds a Logger backed by zerolog writing to w.
func NewZerologLogger(w io.Writer, level string, format Format) (Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	lvl := zerolog.InfoLevel
	if trimmed := strings.TrimSpace(level); trimmed != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(trimmed))
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
		lvl = parsed
	}
	out := w
	switch format {
	case FormatConsole:
		out = zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339Nano}
	case FormatJSON, "":
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
	zl := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return &zerologLogger{zl: zl}, nil
}

func (l *zerologLogger) Debug(msg string, fields ...Field) { l.emit(l.zl.Debug(), msg, fields) }
func (l *zerologLogger) Info(msg string, fields ...Field)  { l.emit(l.zl.Info(), msg, fields) }
func (l *zerologLogger) Warn(msg string, fields ...Field)  { l.emit(l.zl.Warn(), msg, fields) }
func (l *zerologLogger) Error(msg string, fields ...Field) { l.emit(l.zl.Error(), msg, fields) }

func (l *zerologLogger) emit(evt *zerolog.Event, msg string, fields []Field) {
	if evt == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			evt = evt.AnErr(f.Key, v)
		case string:
			evt = evt.Str(f.Key, v)
		case int:
			evt = evt.Int(f.Key, v)
		case bool:
			evt = evt.Bool(f.Key, v)
		case time.Duration:
			evt = evt.Dur(f.Key, v)
		default:
			evt = evt.Interface(f.Key, v)
		}
	}
	evt.Msg(msg)
}
