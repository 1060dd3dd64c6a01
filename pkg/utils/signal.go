package utils

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// WaitUntilSignal blocks until SIGINT or SIGTERM, closes every closer in
// order and exits the process. The exit code is 1 when any closer failed.
func WaitUntilSignal(closers ...io.Closer) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()
	log.Info().
		Str("cause", context.Cause(ctx).Error()).
		Msg("Received signal, shutting down")

	started := time.Now()
	if err := closeAll(closers); err != nil {
		log.Error().
			Err(err).
			Dur("elapsed", time.Since(started)).
			Msg("Failed when shutting down")
		os.Exit(1)
	}
	log.Info().Dur("elapsed", time.Since(started)).Msg("Shutdown completed")
	os.Exit(0)
}

func closeAll(closers []io.Closer) error {
	var errs []error
	for _, closer := range closers {
		if closer == nil {
			continue
		}
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
