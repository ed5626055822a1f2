package observability

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger wraps an existing zerolog.Logger.
func NewZerologLogger(logger zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{logger: logger}
}

// NewDebugLogger builds a stderr zerolog logger at debug level, used when the
// client is constructed with transport tracing enabled.
func NewDebugLogger() *ZerologLogger {
	return NewWriterLogger(os.Stderr, zerolog.DebugLevel)
}

// NewWriterLogger builds a zerolog logger writing to w at the given level.
func NewWriterLogger(w io.Writer, level zerolog.Level) *ZerologLogger {
	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &ZerologLogger{logger: logger}
}

// Debug emits a debug-level structured entry.
func (z *ZerologLogger) Debug(msg string, fields ...Field) {
	z.emit(z.logger.Debug(), msg, fields)
}

// Info emits an info-level structured entry.
func (z *ZerologLogger) Info(msg string, fields ...Field) {
	z.emit(z.logger.Info(), msg, fields)
}

// Error emits an error-level structured entry.
func (z *ZerologLogger) Error(msg string, fields ...Field) {
	z.emit(z.logger.Error(), msg, fields)
}

func (z *ZerologLogger) emit(event *zerolog.Event, msg string, fields []Field) {
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		event = event.Interface(field.Key, field.Value)
	}
	event.Msg(msg)
}
