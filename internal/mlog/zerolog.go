package mlog

import (
	"io"

	"github.com/rs/zerolog"
)

// ZerologSink adapts a zerolog.Logger to the ExternalLogger interface,
// for structured-log output when the CLI is run non-interactively
// (e.g. flush-pool from cron).
type ZerologSink struct {
	logger zerolog.Logger
}

var _ ExternalLogger = ZerologSink{}

// NewZerologSink returns a sink writing JSON lines to w.
func NewZerologSink(w io.Writer) ZerologSink {
	return ZerologSink{logger: zerolog.New(w).With().Timestamp().Logger()}
}

// Log implements ExternalLogger.
func (z ZerologSink) Log(level Level, msg string) {
	var event *zerolog.Event
	switch level {
	case DebugLevel:
		event = z.logger.Debug()
	case ErrorLevel:
		event = z.logger.Error()
	default:
		event = z.logger.Info()
	}
	event.Msg(msg)
}
