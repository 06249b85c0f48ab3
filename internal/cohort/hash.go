package cohort

import (
	"hash/fnv"
)

// Bucket maps (identity, salt) to a stable value in [0, 100).
//
// The same identity and salt always land in the same bucket, which gives
// repeatable cohort partitioning without persisting any state. Different
// salts decorrelate the buckets of the same identity, so an experiment's
// audience roll, its variant roll, and a flag's rollout roll are
// independent draws.
//
// FNV-1a over identity+salt, reduced mod 10000 for two decimal places of
// percentage resolution.
func Bucket(identity, salt string) float64 {
	h := fnv.New32a()
	h.Write([]byte(identity))
	h.Write([]byte(salt))
	return float64(h.Sum32()%10000) / 100.0
}

// PickWeighted walks a cumulative weight table and returns the index of
// the entry covering roll. Weights are percentage points summing to ~100;
// roll is expected in [0, 100). Floating-point slop at the top of the
// table falls into the last entry. Returns -1 for an empty table.
func PickWeighted(roll float64, weights []float64) int {
	if len(weights) == 0 {
		return -1
	}

	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if roll < cumulative {
			return i
		}
	}

	return len(weights) - 1
}
