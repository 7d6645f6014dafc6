package observability

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. Unknown levels fall back to info.
func NewLogger(level string, pretty bool) zerolog.Logger {
	return newLogger(os.Stdout, level, pretty)
}

func newLogger(w io.Writer, level string, pretty bool) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(logLevel).With().Timestamp().Logger()
}

// ZerologAdapter implements orchestrator.Logger on top of zerolog. Arguments
// are key/value pairs.
type ZerologAdapter struct {
	log zerolog.Logger
}

func NewZerologAdapter(l zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{log: l}
}

func (a *ZerologAdapter) Debug(msg string, args ...interface{}) {
	withFields(a.log.Debug(), args).Msg(msg)
}

func (a *ZerologAdapter) Info(msg string, args ...interface{}) {
	withFields(a.log.Info(), args).Msg(msg)
}

func (a *ZerologAdapter) Warn(msg string, args ...interface{}) {
	withFields(a.log.Warn(), args).Msg(msg)
}

func (a *ZerologAdapter) Error(msg string, args ...interface{}) {
	withFields(a.log.Error(), args).Msg(msg)
}

func withFields(e *zerolog.Event, args []interface{}) *zerolog.Event {
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if i+1 >= len(args) {
			e = e.Interface("!BADKEY", key)
			break
		}
		switch v := args[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case string:
			e = e.Str(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	return e
}
