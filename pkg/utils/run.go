package utils

import (
	"io"

	"github.com/rs/zerolog/log"
)

func RunProcess(startProcess func() (io.Closer, error)) {
	process, err := startProcess()
	if err != nil {
		log.Fatal().Err(err).
			Msg("Failed to start the process")
	}

	WaitUntilSignal(
		process,
	)
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error {
	return f()
}
