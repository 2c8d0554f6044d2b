// Package logging carries a zerolog logger through a context.
package logging

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type logKey struct{}

var nop = zerolog.Nop()

// WithLogger attaches the given logger to the context
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, logKey{}, logger)
}

// FromContext returns the logger attached to ctx, or a disabled logger if there is none.
func FromContext(ctx context.Context) *zerolog.Logger {
	logger, ok := ctx.Value(logKey{}).(*zerolog.Logger)
	if !ok || logger == nil {
		return &nop
	}
	return logger
}

// New builds a console logger writing to w. level is a zerolog level name;
// an empty string means info.
func New(w io.Writer, level string) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		var err error
		lvl, err = zerolog.ParseLevel(level)
		if err != nil {
			return zerolog.Logger{}, errors.Wrapf(err, "invalid log level %q", level)
		}
	}
	out := zerolog.ConsoleWriter{Out: zerolog.SyncWriter(w), TimeFormat: time.Kitchen, NoColor: true}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}
