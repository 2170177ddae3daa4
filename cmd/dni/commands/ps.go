package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dotnet-insights/dni/internal/core"
	"github.com/dotnet-insights/dni/internal/discovery"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List the processes that can be attached to",
	RunE: func(cmd *cobra.Command, args []string) error {
		procs, err := discovery.New().ListManagedProcesses(cmd.Context())
		if err != nil {
			return errors.Wrap(err, "failed to list processes")
		}
		return writeProcessTable(cmd.OutOrStdout(), procs, time.Now())
	},
}

func writeProcessTable(w io.Writer, procs []core.ProcessMeta, now time.Time) error {
	if len(procs) == 0 {
		_, err := fmt.Fprintln(w, "No diagnosable processes found")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PID\tNAME\tSTARTED\tCOMMAND")
	lo.ForEach(procs, func(p core.ProcessMeta, _ int) {
		started := "-"
		if !p.StartTime.IsZero() {
			started = humanize.RelTime(p.StartTime, now, "ago", "from now")
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", p.Pid, p.DisplayName(), started, p.CommandLine)
	})
	return tw.Flush()
}
