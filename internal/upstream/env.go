package upstream

import (
	"os"
	"path"
	"sort"
	"strings"

	"github.com/unimcp/unimcp/internal/config"
)

// buildEnv computes the child process environment for a stdio upstream.
// When inheritParentEnv is set, the parent environment is copied through the
// envFilter first; explicit env entries always win over inherited ones.
func buildEnv(cfg *config.UpstreamConfig) []string {
	merged := make(map[string]string)

	if cfg.InheritParentEnv {
		for _, kv := range os.Environ() {
			name, value, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			if envAllowed(name, cfg.EnvFilter) {
				merged[name] = value
			}
		}
	}
	for name, value := range cfg.Env {
		merged[name] = value
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	env := make([]string, 0, len(names))
	for _, name := range names {
		env = append(env, name+"="+merged[name])
	}
	return env
}

// envAllowed evaluates the filter patterns against one variable name.
// Patterns use path.Match globs; a leading "!" makes a pattern an exclusion.
// Exclusions veto unconditionally. If at least one inclusion pattern exists,
// the name must match one of them; an exclusion-only filter passes everything
// it does not exclude. An empty filter passes everything.
func envAllowed(name string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}

	hasInclusions := false
	included := false
	for _, pattern := range filter {
		exclude := strings.HasPrefix(pattern, "!")
		pattern = strings.TrimPrefix(pattern, "!")

		matched, err := path.Match(pattern, name)
		if err != nil || !matched {
			if !exclude {
				hasInclusions = true
			}
			continue
		}
		if exclude {
			return false
		}
		hasInclusions = true
		included = true
	}

	if !hasInclusions {
		return true
	}
	return included
}
