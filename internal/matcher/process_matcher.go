package matcher

import (
	"github.com/dotnet-insights/dni/internal/config"
	"github.com/dotnet-insights/dni/internal/core"
	"github.com/pkg/errors"
)

var processMatchers map[string]ProcessMatcher

func RegisterProcessMatcher(pm ProcessMatcher) {
	if processMatchers == nil {
		processMatchers = map[string]ProcessMatcher{}
	}

	processMatchers[pm.Type()] = pm
}

func GetProcessMatcher(matcherType string) (ProcessMatcher, error) {
	if pm, ok := processMatchers[matcherType]; ok {
		return pm, nil
	}
	return nil, errors.Errorf("process matcher %s not found", matcherType)
}

// Types returns the registered matcher types.
func Types() []string {
	out := make([]string, 0, len(processMatchers))
	for t := range processMatchers {
		out = append(out, t)
	}
	return out
}

type ProcessMatcher interface {
	Type() string
	Match(proc core.ProcessMeta, cfg config.MatcherConfig) (bool, error)
}

type defaultProcessMatcher struct {
	matcherType string
}

func (dpm *defaultProcessMatcher) Type() string {
	return dpm.matcherType
}

type rule struct {
	matcher ProcessMatcher
	cfg     config.MatcherConfig
}

// Filter decides which discovered processes the listener attaches to. A process
// is allowed when it matches at least one include rule (or there are none) and
// no exclude rule.
type Filter struct {
	includes []rule
	excludes []rule
}

// NewFilter resolves the configured matchers. No matchers allows every process.
func NewFilter(cfgs []*config.MatcherConfig) (*Filter, error) {
	f := &Filter{}
	for _, c := range cfgs {
		if c == nil {
			continue
		}
		pm, err := GetProcessMatcher(c.MatcherType)
		if err != nil {
			return nil, err
		}

		r := rule{matcher: pm, cfg: *c}
		if c.Exclude {
			f.excludes = append(f.excludes, r)
		} else {
			f.includes = append(f.includes, r)
		}
	}
	return f, nil
}

// Allow reports whether the listener should attach to proc. Matcher errors
// count as no match.
func (f *Filter) Allow(proc core.ProcessMeta) bool {
	if f == nil {
		return true
	}

	for _, r := range f.excludes {
		if ok, _ := r.matcher.Match(proc, r.cfg); ok {
			return false
		}
	}

	if len(f.includes) == 0 {
		return true
	}
	for _, r := range f.includes {
		if ok, _ := r.matcher.Match(proc, r.cfg); ok {
			return true
		}
	}
	return false
}
