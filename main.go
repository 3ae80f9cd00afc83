package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/rs/zerolog"
)

func main() {
	fx.New(
		Module,
		fx.WithLogger(func(log zerolog.Logger) fxevent.Logger {
			return &fxLogger{log: log.With().Str("component", "fx").Logger()}
		}),
		fx.Invoke(runMaintenance),
		fx.Invoke(runServer),
	).Run()
}
