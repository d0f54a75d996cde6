package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/config"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/engine"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/history"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/multiengine"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/notify"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/pending"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/protocol"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/telemetry"
)

func newControllerCommand() *cobra.Command {
	var (
		configPath  string
		listen      string
		historyPath string
	)

	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Run the controller",
		Long: `Run the controller until interrupted.

Clients and engines connect to the same listen address. A connection is a
client until it sends REGISTER, which turns it into an engine.

The configuration file (YAML or CUE) is watched; a change of logging.level
takes effect without a restart.`,
		Example: `  # Listen on the default address with in-memory history
  ipcluster controller

  # Use a configuration file and keep history on disk
  ipcluster controller --config controller.yaml --history /var/lib/ipcluster/history.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("history") {
				cfg.HistoryPath = historyPath
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runController(cmd.Context(), cfg, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml, .yml, .json or .cue)")
	cmd.Flags().StringVarP(&listen, "listen", "l", config.DefaultListen, "listen address")
	cmd.Flags().StringVar(&historyPath, "history", "", "history database path (default in memory)")

	return cmd
}

func runController(ctx context.Context, cfg *config.ControllerConfig, configPath string) error {
	tel, err := telemetry.NewTelemetry(cfg.Telemetry())
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()
	telemetry.SetGlobalLevel(cfg.Logging.Level)
	logger := tel.Logger.NewComponentLogger("controller")

	store, err := history.Open(ctx, history.Config{Path: cfg.HistoryPath, Limit: cfg.HistoryLimit})
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer store.Close()

	reg := engine.NewRegistry(
		engine.WithLogger(tel.Logger),
		engine.WithMetrics(tel.Metrics),
		engine.WithEvents(tel.Events),
	)
	defer reg.Close()

	me := multiengine.New(reg,
		multiengine.WithTelemetry(tel),
		multiengine.WithHistory(store),
		multiengine.WithCodec(serial.NewCodec(cfg.FrameSize())),
	)
	pm := pending.NewManager(
		pending.WithLogger(tel.Logger),
		pending.WithMetrics(tel.Metrics),
		pending.WithEvents(tel.Events),
	)

	opts := []protocol.ServerOption{
		protocol.WithTelemetry(tel),
		protocol.WithMaxFrameSize(cfg.FrameSize()),
	}
	if cfg.Notify.Enabled {
		n := notify.New(tel.Events,
			notify.WithLogger(tel.Logger),
			notify.WithTimeout(cfg.Notify.Timeout.Std()),
		)
		opts = append(opts, protocol.WithNotifier(n))
	}
	srv := protocol.NewServer(me, pm, opts...)

	metricsSrv, err := tel.StartMetricsServer()
	if err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	if metricsSrv != nil {
		logger.Infof("metrics on http://%s%s", cfg.Metrics.Listen, cfg.Metrics.Path)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	if configPath != "" {
		if _, err := config.Watch(ctx, configPath, tel.Logger, config.ApplyLogLevel); err != nil {
			logger.WithError(err).Warn("config hot reload disabled")
		}
	}

	logger.Infof("controller listening on %s", cfg.Listen)
	if err := srv.ListenAndServe(ctx, cfg.Listen); err != nil {
		return err
	}
	logger.Info("controller stopped")
	return nil
}
