package pipeline

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/genepulse/errors"
)

// Each running provider holds one page or batch of payloads plus its HTTP buffers
const (
	memoryPerProviderMB = 256
	memoryBufferMB      = 512
)

// getMemoryStats returns total and available memory in bytes
var getMemoryStats = func() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// calculateSafeFanOut recommends a fan-out width for the available memory
func calculateSafeFanOut(availableMB float64) int {
	if availableMB < memoryBufferMB {
		return 1
	}
	recommended := int((availableMB - memoryBufferMB) / memoryPerProviderMB)
	if recommended < 1 {
		return 1
	}
	return recommended
}

// checkMemoryPressure returns a warning when width looks too high for available memory,
// or an empty string if it is fine or memory cannot be read
func checkMemoryPressure(width int) string {
	total, available, err := getMemoryStats()
	if err != nil || total == 0 {
		return ""
	}

	availableMB := float64(available) / 1024 / 1024
	totalMB := float64(total) / 1024 / 1024
	recommended := calculateSafeFanOut(availableMB)
	if width > recommended {
		return fmt.Sprintf(
			"Fan-out width (%d) exceeds recommended (%d) for available memory (%.0f/%.0fMB free). "+
				"Consider lowering pipeline.fan_out_width.",
			width, recommended, availableMB, totalMB)
	}
	return ""
}
