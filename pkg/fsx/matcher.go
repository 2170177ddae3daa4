package fsx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/gobwas/glob"
)

// CompilePatterns compiles a list of glob patterns.
func CompilePatterns(patterns []string) ([]glob.Glob, error) {
	var matchers []glob.Glob
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to compile glob pattern '%s': %w", pattern, err)
		}
		matchers = append(matchers, g)
	}

	return matchers, nil
}

// MatchDirEntries lists the entries directly under dir whose base name matches any
// of the glob patterns. Sockets and other special files are included since callers
// look for IPC endpoints. The result is sorted. A missing dir yields no matches.
func MatchDirEntries(dir string, patterns []string) ([]string, error) {
	matchers, err := CompilePatterns(patterns)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("error reading directory '%s': %w", dir, err)
	}

	matches := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		for _, matcher := range matchers {
			if matcher.Match(entry.Name()) {
				matches = append(matches, filepath.Join(dir, entry.Name()))
				break
			}
		}
	}

	sort.Strings(matches)
	return matches, nil
}
