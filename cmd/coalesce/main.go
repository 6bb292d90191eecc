// Command coalesce is the CLI front end for the Coalesce JPEG recompressor.
package main

import (
	"os"

	"github.com/rs/zerolog"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("coalesce failed")
		os.Exit(1)
	}
}

var log zerolog.Logger
