package core

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/dotnet-insights/dni/pkg/logx"
)

// DisplayName returns the name used to label a process. Apps started through the
// dotnet host are named after the entry assembly instead of "dotnet".
func DisplayName(processName string, args []string) string {
	if !strings.Contains(strings.ToLower(processName), "dotnet") {
		return processName
	}

	var target string
	switch {
	case len(args) > 2 && args[1] == "exec":
		target = args[2]
	case len(args) > 1:
		target = args[1]
	default:
		return processName
	}

	base := filepath.Base(target)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ApplyDelay applies a delay to the execution of the current context.
func ApplyDelay(ctx context.Context, delay time.Duration) {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop() // Ensure the timer is stopped to release resources

		select {
		case <-timer.C:
			// proceed after delay
		case <-ctx.Done():
			logx.As().Trace().Msg("context cancelled during delay")
		}
	}
}
