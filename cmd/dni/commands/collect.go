package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dotnet-insights/dni/internal/collector"
	"github.com/dotnet-insights/dni/internal/config"
	"github.com/dotnet-insights/dni/internal/discovery"
	"github.com/dotnet-insights/dni/internal/session"
	"github.com/dotnet-insights/dni/pkg/logx"
	"github.com/spf13/cobra"
)

var (
	flagProcessID  int
	flagDurationMs int
	flagOutput     string
)

var collectCmd = &cobra.Command{
	Use:   "collect [flags] <collection-type>...",
	Short: "Capture the runtime events of one process into a JSON document",
	Long: "Capture the runtime events of one process into a JSON document.\n" +
		"Collection types: gc, gc-alloc, threads, cpu-sample, jit-events",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := collector.Options{
			Pid:      flagProcessID,
			Duration: time.Duration(flagDurationMs) * time.Millisecond,
			Output:   flagOutput,
			Types:    args,
			Progress: cmd.OutOrStdout(),
		}
		return runCollect(cmd.Context(), config.Get(), opts, cmd.OutOrStdout())
	},
}

func init() {
	collectCmd.Flags().IntVarP(&flagProcessID, "process-id", "p", 0, "process id to collect from")
	collectCmd.Flags().IntVar(&flagDurationMs, "duration-ms", 0, "capture duration in milliseconds")
	collectCmd.Flags().StringVarP(&flagOutput, "output-filename", "o", "", "output document path")

	_ = collectCmd.MarkFlagRequired("process-id")
	_ = collectCmd.MarkFlagRequired("duration-ms")
}

func runCollect(ctx context.Context, cfg config.Config, opts collector.Options, out io.Writer) error {
	// reject bad arguments before touching the process
	sel, err := collector.ParseTypes(opts.Types)
	if err != nil {
		return err
	}

	sessOpts, err := sessionOptions(cfg.Listener)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := collector.New(discovery.New(), session.DiagConnector{}, discovery.SystemProcessInfo().Alive, sessOpts)
	res, err := c.Collect(ctx, opts)
	if err != nil {
		logx.As().Error().Err(err).Int("process_id", opts.Pid).Msg("Collection failed")
		return err
	}

	_, _ = fmt.Fprintf(out, "Output written to %s\n", res.Path)
	if len(res.Anomalies) > 0 {
		_, _ = fmt.Fprintf(out, "Protocol anomalies: %v\n", res.Anomalies)
	}
	if sel.Aggregation.Jit {
		collector.WriteJitSummary(out, res.Jit)
	}
	return nil
}
