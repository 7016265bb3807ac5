package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log field names shared by every component.
const (
	FieldService   = "service"
	FieldComponent = "component"
	FieldOp        = "op"
	FieldOpID      = "op_id"
	FieldAccount   = "account"
	FieldSequence  = "sequence"
)

// NewLogger creates the service's root JSON logger on stdout.
// Level comes from STABLE_LOG_LEVEL, default info.
func NewLogger(service string) zerolog.Logger {
	return NewLoggerTo(os.Stdout, service, parseLogLevel(os.Getenv("STABLE_LOG_LEVEL")))
}

// NewLoggerTo creates a root logger writing to w.
func NewLoggerTo(w io.Writer, service string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str(FieldService, service).
		Logger()
}

// ComponentLogger derives the logger of one component (engine, persistence,
// projection, ...) from the root logger.
func ComponentLogger(root zerolog.Logger, component string) zerolog.Logger {
	return root.With().Str(FieldComponent, component).Logger()
}

// OperationLogger tags every line with the operation kind and its id.
func OperationLogger(l zerolog.Logger, op, opID string) zerolog.Logger {
	return l.With().Str(FieldOp, op).Str(FieldOpID, opID).Logger()
}

func parseLogLevel(s string) zerolog.Level {
	if s == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
