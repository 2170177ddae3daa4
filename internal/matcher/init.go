package matcher

import "sync"

var registerOnce sync.Once

func init() {
	registerOnce.Do(func() {
		RegisterProcessMatcher(NewBasicProcessMatcher())
		RegisterProcessMatcher(NewGlobProcessMatcher())
	})
}
