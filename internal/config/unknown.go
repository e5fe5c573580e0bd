package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownSectionKeys maps each top-level table name to the set of valid keys
// inside it. A single node has one flat table per concern, unlike a
// multi-profile tool that also has to special-case per-profile sections.
var knownSectionKeys = map[string]map[string]bool{
	"storage": {"data_dir": true},
	"peer": {
		"id": true, "listen_addr": true, "remote_url": true,
		"heartbeat_interval": true, "max_reconnect_attempts": true, "reconnect_max_delay": true,
	},
	"chunk": {"chunk_size": true, "inline_threshold": true},
	"scheduler": {
		"debounce_delay": true, "max_wait_time": true,
		"max_pending_count": true, "min_sync_interval": true,
	},
	"conflict": {"policy": true},
	"logging":  {"level": true, "file": true},
	"plugins":  {"enabled": true},
}

// knownSectionKeysList caches the sorted key list per section for
// Levenshtein matching. Sorted for deterministic suggestions when two
// candidates have the same edit distance.
var knownSectionKeysList = func() map[string][]string {
	out := make(map[string][]string, len(knownSectionKeys))

	for section, keys := range knownSectionKeys {
		list := make([]string, 0, len(keys))
		for k := range keys {
			list = append(list, k)
		}

		sort.Strings(list)
		out[section] = list
	}

	return out
}()

// knownSections is the sorted list of valid top-level table names.
var knownSections = func() []string {
	sections := make([]string, 0, len(knownSectionKeys))
	for s := range knownSectionKeys {
		sections = append(sections, s)
	}

	sort.Strings(sections)

	return sections
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		if err := buildKeyError(key.String()); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// buildKeyError creates a descriptive error for an unknown key, suggesting
// the closest known section or field by edit distance.
func buildKeyError(keyStr string) error {
	parts := strings.SplitN(keyStr, ".", 2)
	section := parts[0]

	fields, ok := knownSectionKeys[section]
	if !ok {
		if suggestion := closestMatch(section, knownSections); suggestion != "" {
			return fmt.Errorf("unknown config section %q — did you mean %q?", section, suggestion)
		}

		return fmt.Errorf("unknown config section %q", section)
	}

	if len(parts) < 2 {
		return fmt.Errorf("section %q requires a key, got bare value", section)
	}

	field := parts[1]
	if fields[field] {
		return nil
	}

	if suggestion := closestMatch(field, knownSectionKeysList[section]); suggestion != "" {
		return fmt.Errorf("unknown config key %q in [%s] — did you mean %q?", field, section, suggestion)
	}

	return fmt.Errorf("unknown config key %q in [%s]", field, section)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Use single-row optimization to avoid allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
