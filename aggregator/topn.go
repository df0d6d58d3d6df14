package aggregator

import (
	"sort"

	"sitepulse/api/models"
)

// TopN is a bounded frequency map. When an increment would grow it beyond
// its limit, the lowest-count entry is evicted, so memory stays bounded and
// ranking is exact for the top entries and approximate near the tail.
type TopN struct {
	limit  int
	counts map[string]int
}

func NewTopN(limit int) *TopN {
	return &TopN{limit: limit, counts: make(map[string]int)}
}

// Add increments key by delta, evicting the lowest-count entry if the map
// overflows its bound.
func (t *TopN) Add(key string, delta int) {
	if key == "" || delta <= 0 {
		return
	}
	t.counts[key] += delta
	if len(t.counts) <= t.limit {
		return
	}

	lowKey, lowCount := "", -1
	for k, c := range t.counts {
		if lowCount == -1 || c < lowCount {
			lowKey, lowCount = k, c
		}
	}
	delete(t.counts, lowKey)
}

// Counts returns a copy of the current frequency map.
func (t *TopN) Counts() map[string]int {
	out := make(map[string]int, len(t.counts))
	for k, c := range t.counts {
		out[k] = c
	}
	return out
}

// Load replaces the map contents, re-applying the bound.
func (t *TopN) Load(m map[string]int) {
	t.counts = make(map[string]int, len(m))
	for k, c := range m {
		if c > 0 {
			t.counts[k] = c
		}
	}
	for len(t.counts) > t.limit {
		lowKey, lowCount := "", -1
		for k, c := range t.counts {
			if lowCount == -1 || c < lowCount {
				lowKey, lowCount = k, c
			}
		}
		delete(t.counts, lowKey)
	}
}

// MergeRanked sums any number of frequency maps and returns the combined
// entries ranked by count (ties broken by name for stable output), truncated
// to limit.
func MergeRanked(limit int, maps ...map[string]int) []models.RankedEntry {
	merged := make(map[string]int)
	for _, m := range maps {
		for k, c := range m {
			merged[k] += c
		}
	}

	out := make([]models.RankedEntry, 0, len(merged))
	for k, c := range merged {
		out = append(out, models.RankedEntry{Name: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
