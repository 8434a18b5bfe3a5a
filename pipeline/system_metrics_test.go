package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/teranos/genepulse/errors"
)

func TestCalculateSafeFanOut(t *testing.T) {
	tests := []struct {
		availableMB float64
		expected    int
	}{
		{256, 1},   // Less than buffer
		{700, 1},   // 700 - 512 = 188MB, rounds up to 1
		{1024, 2},  // 512MB left / 256MB = 2 providers
		{2560, 8},  // 2048MB / 256MB
		{4608, 16}, // 4096MB / 256MB
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, calculateSafeFanOut(tt.availableMB), "available %.0fMB", tt.availableMB)
	}
}

func withMemoryStats(t *testing.T, total, available uint64, err error) {
	t.Helper()
	orig := getMemoryStats
	getMemoryStats = func() (uint64, uint64, error) { return total, available, err }
	t.Cleanup(func() { getMemoryStats = orig })
}

func TestCheckMemoryPressure(t *testing.T) {
	const mb = 1024 * 1024

	withMemoryStats(t, 8192*mb, 1024*mb, nil)
	assert.Empty(t, checkMemoryPressure(2))
	warning := checkMemoryPressure(4)
	assert.Contains(t, warning, "Fan-out width (4) exceeds recommended (2)")
	assert.Contains(t, warning, "1024/8192MB free")

	withMemoryStats(t, 0, 0, errors.New("no /proc/meminfo"))
	assert.Empty(t, checkMemoryPressure(64), "unreadable memory never warns")
}
