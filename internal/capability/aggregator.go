package capability

import (
	"sort"
	"strings"

	"github.com/unimcp/unimcp/pkg/logging"
)

// Conflict records one non-notification key whose incoming value differed
// structurally from the already-merged value. Informational only: the
// incoming value has already won.
type Conflict struct {
	Upstream string
	Category Category
	Key      string
	Existing any
	Incoming any
}

// Source is one upstream's reported capability set, in configuration order.
type Source struct {
	Name string
	View View
}

// Aggregate merges the ordered upstream capability views into the single
// set advertised downstream. The result is a function only of the input
// sequence; re-running with the same inputs yields the same view and the
// same conflicts.
func Aggregate(sources []Source) (View, []Conflict) {
	merged := View{}
	var conflicts []Conflict

	for _, src := range sources {
		conflicts = append(conflicts, mergeInto(&merged, src.Name, src.View)...)
	}
	return merged, conflicts
}

// mergeInto folds one upstream's view into the aggregate, returning the
// conflicts it produced.
func mergeInto(agg *View, upstream string, incoming View) []Conflict {
	var conflicts []Conflict

	for _, c := range categories {
		in := incoming.Category(c)
		if in == nil {
			continue
		}
		existing := agg.Category(c)
		if existing == nil {
			existing = make(map[string]any, len(in))
			agg.setCategory(c, existing)
		}

		categoryConflicts := mergeCategory(existing, in, c, upstream)
		conflicts = append(conflicts, categoryConflicts...)

		if len(categoryConflicts) > 0 {
			keys := make([]string, len(categoryConflicts))
			for i, cf := range categoryConflicts {
				keys[i] = cf.Key
			}
			sort.Strings(keys)
			logging.Info("CapabilityAggregator", "Upstream %s overrode %s keys: %s",
				upstream, c, strings.Join(keys, ", "))
		}
	}

	// logging merges by last write, no conflict detection.
	if incoming.HasLogging {
		agg.Logging = incoming.Logging
		agg.HasLogging = true
	}

	return conflicts
}

// mergeCategory merges the incoming map into existing in place. Keys are
// visited in sorted order so log output is deterministic.
func mergeCategory(existing, incoming map[string]any, category Category, upstream string) []Conflict {
	var conflicts []Conflict

	keys := make([]string, 0, len(incoming))
	for k := range incoming {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		inVal := incoming[key]
		exVal, present := existing[key]

		if isNotificationKey(key) {
			existing[key] = mergeNotification(exVal, present, inVal, category, upstream, key)
			continue
		}

		if present && canonicalJSON(exVal) != canonicalJSON(inVal) {
			conflicts = append(conflicts, Conflict{
				Upstream: upstream,
				Category: category,
				Key:      key,
				Existing: exVal,
				Incoming: inVal,
			})
			logging.Warn("CapabilityAggregator", "Capability conflict on %s.%s: upstream %s replaces %s with %s",
				category, key, upstream, canonicalJSON(exVal), canonicalJSON(inVal))
		}
		existing[key] = inVal
	}
	return conflicts
}

func isNotificationKey(key string) bool {
	return key == KeyListChanged || key == KeySubscribe
}

// mergeNotification combines a notification-capability value. Two booleans
// OR; anything else is last-writer-wins. Divergent values are only worth a
// log line in the three standard categories, where independent declaration
// is expected and never an error.
func mergeNotification(existing any, present bool, incoming any, category Category, upstream, key string) any {
	if !present {
		return incoming
	}

	exBool, exOk := existing.(bool)
	inBool, inOk := incoming.(bool)
	if exOk && inOk {
		if exBool != inBool && category != CategoryExperimental {
			logging.Debug("CapabilityAggregator", "Notification capability %s.%s differs across upstreams (merging %v with %v from %s)",
				category, key, exBool, inBool, upstream)
		}
		return exBool || inBool
	}

	if category != CategoryExperimental && canonicalJSON(existing) != canonicalJSON(incoming) {
		logging.Debug("CapabilityAggregator", "Notification capability %s.%s has non-boolean values, upstream %s wins",
			category, key, upstream)
	}
	return incoming
}
