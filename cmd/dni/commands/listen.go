package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dotnet-insights/dni/internal/aggregator"
	"github.com/dotnet-insights/dni/internal/config"
	"github.com/dotnet-insights/dni/internal/discovery"
	"github.com/dotnet-insights/dni/internal/listener"
	"github.com/dotnet-insights/dni/internal/matcher"
	"github.com/dotnet-insights/dni/internal/session"
	"github.com/dotnet-insights/dni/internal/sink"
	"github.com/dotnet-insights/dni/pkg/logx"
	"github.com/dotnet-insights/dni/pkg/sniff"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const sinkCloseTimeout = 10 * time.Second

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Attach to every diagnosable process and publish its runtime events",
	Long:  "Attach to every diagnosable process and publish GC, allocation and JIT records to the configured sinks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runListen(cmd.Context(), config.Get())
	},
}

func runListen(ctx context.Context, cfg config.Config) error {
	logx.StartTimer()
	defer func() {
		logx.As().Info().Str("execution_time", logx.ExecutionTime()).Msg("Listener stopped")
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := config.ValidateListenerConfig(*cfg.Listener, matcher.Types()); err != nil {
		return errors.Wrap(err, "invalid listener configuration")
	}

	sessOpts, err := sessionOptions(cfg.Listener)
	if err != nil {
		return err
	}
	scanInterval, err := time.ParseDuration(cfg.Listener.ScanInterval)
	if err != nil {
		return errors.Wrap(err, "invalid scan interval")
	}

	filter, err := matcher.NewFilter(cfg.Listener.Matchers)
	if err != nil {
		return errors.Wrap(err, "failed to create process filter")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	records, err := sink.New(ctx, cfg.Sinks, reg)
	if err != nil {
		return errors.Wrap(err, "failed to create sinks")
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), sinkCloseTimeout)
		defer closeCancel()
		if err := records.Close(closeCtx); err != nil {
			logx.As().Error().Err(err).Msg("Failed to close sinks")
		}
	}()

	sessions := session.NewManager(session.DiagConnector{}, discovery.SystemProcessInfo().Alive, sessOpts)
	l := listener.New(discovery.New(), sessions, records, listener.Options{
		ScanInterval: scanInterval,
		Tracker:      trackerOptions(cfg.Listener.Events),
		Filter:       filter,
		Registerer:   reg,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logx.As().Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return l.Run(gctx)
	})

	if m := cfg.Sinks.Metrics; m != nil && m.Enabled {
		srv := sniff.NewServer(sniff.ServerConfig{Host: m.Host, Port: m.Port, MetricsPath: m.Path}, reg, func() any {
			return l.Stats()
		})
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	logx.As().Info().
		Str("scan_interval", cfg.Listener.ScanInterval).
		Str("attach_timeout", cfg.Listener.AttachTimeout).
		Int("circular_buffer_mb", cfg.Listener.CircularBufferSizeMB).
		Str("sinks", records.Info()).
		Msg("Starting listener")

	return g.Wait()
}

func sessionOptions(c *config.ListenerConfig) (session.Options, error) {
	timeout, err := time.ParseDuration(c.AttachTimeout)
	if err != nil {
		return session.Options{}, errors.Wrap(err, "invalid attach timeout")
	}

	events := c.Events
	if events == nil {
		events = &config.EventsConfig{}
	}
	return session.Options{
		Subscription: session.Subscription{
			GC:            events.GC,
			Allocations:   events.Allocations,
			Jit:           events.Jit,
			CollectStacks: c.CollectStacks,
		},
		CircularBufferSizeMB: c.CircularBufferSizeMB,
		AttachTimeout:        timeout,
	}, nil
}

func trackerOptions(events *config.EventsConfig) aggregator.Options {
	if events == nil {
		return aggregator.Options{}
	}
	return aggregator.Options{GC: events.GC, Allocations: events.Allocations, Jit: events.Jit}
}
