// Command ipcluster runs a MultiEngine controller and talks to one from the
// command line.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/minrk/ipython-svn-archive-sub000/cmd/ipcluster/commands"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/telemetry"
)

// Set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "unknown"
	built   = "unknown"
)

func main() {
	// Client commands log through the global logger at LOG_LEVEL; the
	// controller command installs its configured logger over it.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	telemetry.SetGlobalLevel(os.Getenv("LOG_LEVEL"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.Execute(ctx, commands.BuildInfo{Version: version, Commit: commit, Date: built})
	stop()
	if err != nil {
		log.Error().Err(err).Msg("ipcluster failed")
		os.Exit(1)
	}
}
