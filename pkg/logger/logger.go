package logger

import (
	"log"
	"log/slog"
)

// New returns a stdlib *log.Logger that writes through slog with a component
// attribute. Libraries that only accept *log.Logger (sarama, http.Server)
// get structured output this way.
func New(base *slog.Logger, component string, level slog.Level) *log.Logger {
	if base == nil {
		base = slog.Default()
	}
	return slog.NewLogLogger(base.With("component", component).Handler(), level)
}
