package compaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldCompact_EmptyLogNeverCompacts(t *testing.T) {
	assert.False(t, ShouldCompact(0, 0))
}

func TestShouldCompact_BelowBothThresholds(t *testing.T) {
	assert.False(t, ShouldCompact(1<<20, 100))
}

func TestShouldCompact_RatioBelowSizeGate(t *testing.T) {
	// 50% stale but total is under the 1 MiB size gate.
	assert.False(t, ShouldCompact(1000, 500))
}

func TestShouldCompact_RatioAndSizeGateMet(t *testing.T) {
	total := uint64(2 << 20)
	stale := uint64(float64(total) * 0.4)
	assert.True(t, ShouldCompact(total, stale))
}

func TestShouldCompact_RatioExactlyAtThreshold(t *testing.T) {
	total := uint64(1_100_000) // over the 1 MiB size gate
	stale := uint64(363_000)   // exactly 0.33 of total
	assert.True(t, ShouldCompact(total, stale))
}

func TestShouldCompact_AbsoluteStaleThresholdOverridesRatio(t *testing.T) {
	total := uint64(100 << 20)
	stale := uint64(9 << 20) // under 0.33 ratio, but over 8 MiB absolute
	assert.True(t, ShouldCompact(total, stale))
}

func TestShouldCompact_AbsoluteStaleThresholdNotYetMet(t *testing.T) {
	total := uint64(100 << 20)
	stale := uint64(8 << 20) // exactly at the threshold, not over it
	assert.False(t, ShouldCompact(total, stale))
}
