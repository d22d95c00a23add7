package logger

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"testing"

	"github.com/lmittmann/tint"

	"github.com/alphabill-org/guestarena/logger"
)

/*
New returns logger for test t on debug level.
*/
func New(t testing.TB) *slog.Logger {
	return NewLvl(t, slog.LevelDebug)
}

/*
NewLvl returns logger for test t on level "level".

Log is written to t.Log so it shows up only for failed tests (or with -v flag).
Set env var AB_TEST_LOG_NO_COLORS=true to disable colored output.
*/
func NewLvl(t testing.TB, level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(&testLogWriter{t: t}, &tint.Options{
		Level:      level,
		NoColor:    noColors(),
		TimeFormat: "15:04:05.0000",
	}))
}

/*
NOP returns logger which discards everything.
*/
func NOP() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

/*
LoggerBuilder returns logger factory which ignores the configuration and
always returns logger for the test t.
*/
func LoggerBuilder(t testing.TB) func(*logger.LogConfiguration) (*slog.Logger, error) {
	return func(*logger.LogConfiguration) (*slog.Logger, error) {
		return New(t), nil
	}
}

type testLogWriter struct {
	t testing.TB
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	// strip trailing newline, t.Log adds its own
	if n := len(p); n > 0 && p[n-1] == '\n' {
		w.t.Log(string(p[:n-1]))
	} else {
		w.t.Log(string(p))
	}
	return len(p), nil
}

func noColors() bool {
	v, err := strconv.ParseBool(os.Getenv("AB_TEST_LOG_NO_COLORS"))
	return err == nil && v
}
