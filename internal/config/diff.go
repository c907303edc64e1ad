package config

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
)

// Fingerprint is a BLAKE3 hash of the canonical JSON form of p, including
// its resolved environment. Two configs with the same fingerprint start the
// same process.
func Fingerprint(p PluginConfig) string {
	canonical := struct {
		PluginConfig
		ResolvedEnv map[string]string `json:"resolved_env,omitempty"`
	}{p, p.ResolvedEnv}

	// encoding/json sorts map keys, so this is stable.
	data, err := json.Marshal(canonical)
	if err != nil {
		// Every field is a plain value; this cannot happen.
		panic(fmt.Sprintf("config: fingerprint %s: %v", p.ID, err))
	}

	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}

// Diff is the three-way difference between two plugin lists, by id.
type Diff struct {
	Added   []string
	Removed []string
	Updated []string
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Updated) == 0
}

// DiffPlugins compares old and next by id and fingerprint. Ids are sorted.
func DiffPlugins(old, next []PluginConfig) Diff {
	before := make(map[string]string, len(old))
	for _, p := range old {
		before[p.ID] = Fingerprint(p)
	}

	var d Diff
	after := make(map[string]bool, len(next))
	for _, p := range next {
		after[p.ID] = true
		fp, existed := before[p.ID]
		switch {
		case !existed:
			d.Added = append(d.Added, p.ID)
		case fp != Fingerprint(p):
			d.Updated = append(d.Updated, p.ID)
		}
	}
	for id := range before {
		if !after[id] {
			d.Removed = append(d.Removed, id)
		}
	}

	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Updated)
	return d
}
