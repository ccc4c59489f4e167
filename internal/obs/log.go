package obs

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	once   sync.Once
	logger zerolog.Logger
)

// Setup configures the process logger from the DEBUG / VERBOSE / QUIET
// environment toggles. Called implicitly on first use so tests get sane
// output without wiring anything.
func Setup() {
	once.Do(func() {
		level := zerolog.InfoLevel
		if os.Getenv("DEBUG") != "" || os.Getenv("VERBOSE") != "" {
			level = zerolog.DebugLevel
		}
		if os.Getenv("QUIET") != "" {
			level = zerolog.ErrorLevel
		}
		logger = zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	})
}

// Fields carries structured key/value context for one log event.
type Fields map[string]any

func emit(e *zerolog.Event, msg string, f Fields) {
	if f != nil {
		e = e.Fields(map[string]any(f))
	}
	e.Msg(msg)
}

func Debug(msg string, f Fields) { Setup(); emit(logger.Debug(), msg, f) }
func Info(msg string, f Fields)  { Setup(); emit(logger.Info(), msg, f) }
func Warn(msg string, f Fields)  { Setup(); emit(logger.Warn(), msg, f) }
func Error(msg string, f Fields) { Setup(); emit(logger.Error(), msg, f) }
