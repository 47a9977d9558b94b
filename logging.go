package action

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// defaultLogger builds a tint-backed slog.Logger, used as every Action's
// logger; there is no option to supply a different one.
func defaultLogger() *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelWarn,
		TimeFormat: time.Kitchen,
	}))
}
