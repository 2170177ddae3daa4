package matcher

import (
	"sync"

	"github.com/dotnet-insights/dni/internal/config"
	"github.com/dotnet-insights/dni/internal/core"
	"github.com/gobwas/glob"
	"github.com/pkg/errors"
)

var ProcessMatcherGlob = "glob"

// globProcessMatcher matches glob patterns against the process name, the display
// name and the full command line.
type globProcessMatcher struct {
	mu       sync.Mutex
	compiled map[string]glob.Glob
}

func (gm *globProcessMatcher) Type() string {
	return ProcessMatcherGlob
}

func (gm *globProcessMatcher) Match(proc core.ProcessMeta, cfg config.MatcherConfig) (bool, error) {
	candidates := []string{proc.Name, proc.DisplayName(), proc.CommandLine}

	for _, p := range cfg.Patterns {
		g, err := gm.compile(p)
		if err != nil {
			return false, err
		}
		for _, c := range candidates {
			if c != "" && g.Match(c) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (gm *globProcessMatcher) compile(pattern string) (glob.Glob, error) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if g, ok := gm.compiled[pattern]; ok {
		return g, nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to compile pattern '%s'", pattern)
	}
	gm.compiled[pattern] = g
	return g, nil
}

func NewGlobProcessMatcher() ProcessMatcher {
	return &globProcessMatcher{compiled: map[string]glob.Glob{}}
}
