// Package compaction holds the pure heuristic deciding when the engine
// should rewrite its log.
package compaction

const (
	// staleRatioThreshold biases toward compacting logs that are a third dead.
	staleRatioThreshold = 0.33
	// sizeGate avoids thrashing tiny logs even when their stale ratio is high.
	sizeGate = 1 << 20 // 1 MiB
	// absoluteStaleThreshold fires compaction regardless of ratio once the
	// wasted footprint alone is large enough to matter.
	absoluteStaleThreshold = 8 << 20 // 8 MiB
)

// ShouldCompact reports whether the log is worth rewriting given its total
// and stale byte counts. It has no hysteresis: callers must not call it in
// a tight loop while a compaction is already running.
func ShouldCompact(total, stale uint64) bool {
	if total == 0 {
		return false
	}
	ratio := float64(stale) / float64(total)
	if ratio >= staleRatioThreshold && total > sizeGate {
		return true
	}
	return stale > absoluteStaleThreshold
}
