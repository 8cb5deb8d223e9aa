package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wahyuard/zenith/pkg/zenith/config"
	"github.com/wahyuard/zenith/pkg/zenith/engine"
	"github.com/wahyuard/zenith/pkg/zenith/observability"
	"github.com/wahyuard/zenith/pkg/zenith/pipeline"
	"github.com/wahyuard/zenith/pkg/zenith/plugin"
	"github.com/wahyuard/zenith/pkg/zenith/route"
	"github.com/wahyuard/zenith/pkg/zenith/store"
)

type runOptions struct {
	configPath string
	verbose    bool
	watch      bool
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the data plane",
		Long: `Start the zenith data plane from a configuration file.

The daemon runs until SIGINT or SIGTERM, then drains per the configured
shutdown policy. With --watch, route changes in the config file are
applied without a restart.

Example:
  zenithd run --config zenith.yaml --watch`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to config file (required)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "hot-reload routes on config changes")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runDaemon(ctx context.Context, opts *runOptions) error {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	loader, err := config.NewLoader(opts.configPath)
	if err != nil {
		return err
	}
	cfg := loader.Config()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Named channels, shared by the router and the store sink.
	channels := make(map[string]*route.Channel, len(cfg.Channels))
	for _, cc := range cfg.Channels {
		channels[cc.Name] = route.NewChannel(cc.Name, cc.Buffer)
	}

	router := route.NewRouter()
	binder := newRouteBinder(router, logger)
	binder.apply(cfg, channels)

	host := plugin.NewHost(ctx, plugin.HostConfig{
		MemoryLimitPages: cfg.Host.MemoryLimitPages,
		MaxPayloadBytes:  cfg.Host.MaxPayloadBytes,
		Metrics:          observability.NewMetricsRecorder(),
	})
	defer host.Close(context.Background())

	pipe := pipeline.New()
	for _, pc := range cfg.Plugins {
		bytecode, err := os.ReadFile(pc.Path)
		if err != nil {
			return fmt.Errorf("read plugin %s: %w", pc.Name, err)
		}
		p, err := host.Load(ctx, pc.Name, bytecode)
		if err != nil {
			return fmt.Errorf("load plugin %s: %w", pc.Name, err)
		}
		observability.LogPluginLoaded(logger, p.Name(), p.Info().ABIVersion, len(bytecode))
		pipe.Add(plugin.NewStage(p, cfg.Engine.PluginTimeout))
	}

	eng, err := engine.New(engine.Config{
		RingCapacity:  cfg.Engine.RingCapacity,
		PollPolicy:    engine.PollPolicy(cfg.Engine.PollPolicy),
		PluginTimeout: cfg.Engine.PluginTimeout,
		DiscardOnStop: cfg.Engine.DiscardOnStop,
		Logger:        logger,
	}, pipe, router, host)
	if err != nil {
		return err
	}

	// Optional persistence: one channel drains into the SQLite store.
	var sink *store.Sink
	if cfg.Store.Path != "" {
		st, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		sink = store.NewSink(st, channels[cfg.Store.Channel], store.SinkConfig{
			FlushInterval: cfg.Store.FlushInterval,
			Logger:        logger,
		})
		// Background context: the sink must outlive the signal context so
		// events routed during the engine drain still get persisted.
		sink.Start(context.Background())
	}

	if opts.watch {
		loader.OnChange(func(next *config.Config) {
			observability.LogConfigReload(logger, opts.configPath, nil)
			binder.apply(next, channels)
		})
		stopWatch, err := loader.Watch()
		if err != nil {
			return err
		}
		defer stopWatch()
	}

	// The consumer gets its own context: cancelling the signal context
	// must not kill it before Stop can drain the backlog.
	eng.Start(context.Background())

	<-ctx.Done()
	logger.Info("shutting down")

	eng.Stop()
	if sink != nil {
		sink.Stop()
	}

	s := eng.Stats()
	logger.Info("final stats",
		"ingested", s.Ingested,
		"processed", s.Processed,
		"routed", s.Routed,
		"dropped", s.Dropped(),
	)
	return nil
}
