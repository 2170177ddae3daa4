package matcher

import (
	"github.com/dotnet-insights/dni/internal/config"
	"github.com/dotnet-insights/dni/internal/core"
	"github.com/dotnet-insights/dni/pkg/logx"
)

var ProcessMatcherBasic = "basic"

// basicProcessMatcher matches when a pattern equals the process name or its display name.
// For example, the pattern "Api" matches an app started as "dotnet Api.dll".
type basicProcessMatcher struct {
	*defaultProcessMatcher
}

// Match returns true if any pattern equals the OS process name or the display name.
// If no patterns are provided, it returns false.
func (bm *basicProcessMatcher) Match(proc core.ProcessMeta, cfg config.MatcherConfig) (bool, error) {
	display := proc.DisplayName()
	for _, p := range cfg.Patterns {
		if p == proc.Name || p == display {
			logx.As().Trace().
				Str("matcher", bm.Type()).
				Str("pattern", p).
				Int("process_id", proc.Pid).
				Msg("Process matched")
			return true, nil
		}
	}
	return false, nil
}

func NewBasicProcessMatcher() ProcessMatcher {
	return &basicProcessMatcher{
		defaultProcessMatcher: &defaultProcessMatcher{
			matcherType: ProcessMatcherBasic,
		},
	}
}
