// Command ipengine is an engine process. It connects to a controller,
// registers and evaluates the Starlark scripts the controller sends until it
// is killed or the controller goes away.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/protocol"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/telemetry"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/worker"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("ipengine failed")
		stop()
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		addr         string
		id           int
		timeout      time.Duration
		maxFrameSize int
		logLevel     string
		logFormat    string
	)

	cmd := &cobra.Command{
		Use:     "ipengine",
		Short:   "Run an engine for an ipcluster controller",
		Version: version,
		Example: `  # Connect to a local controller and take any free id
  ipengine

  # Ask for id 3 on a remote controller
  ipengine --addr 10.0.0.5:10105 --id 3`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
				Level:  logLevel,
				Format: logFormat,
				Output: "stderr",
			})
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			telemetry.SetGlobalLevel(logLevel)
			log.Logger = *logger.Zerolog()

			var requested *int
			if id >= 0 {
				requested = &id
			}

			w := worker.New(worker.Config{
				Timeout:      timeout,
				MaxFrameSize: maxFrameSize,
				Logger:       logger,
			})
			return w.Run(cmd.Context(), addr, requested, maxFrameSize)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:10105", "controller address")
	cmd.Flags().IntVar(&id, "id", -1, "requested engine id (-1 takes any free id)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "limit on one script")
	cmd.Flags().IntVar(&maxFrameSize, "max-frame-size", protocol.DefaultMaxFrameSize, "largest frame accepted or sent")
	cmd.Flags().StringVar(&logLevel, "log-level", zerolog.InfoLevel.String(), "log level")
	cmd.Flags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")

	return cmd
}
