package models

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

const bytesPerMB = 1024 * 1024

// UsageInfo is a storage usage estimate. It is always derived fresh from the
// medium and never persisted.
type UsageInfo struct {
	UsedBytes       int64   `json:"usedBytes"`
	TotalBytes      int64   `json:"totalBytes"`
	AvailableBytes  int64   `json:"availableBytes"`
	UsagePercentage float64 `json:"usagePercentage"`
	UsedMB          float64 `json:"usedMB"`
	TotalMB         float64 `json:"totalMB"`
	AvailableMB     float64 `json:"availableMB"`
}

// NewUsageInfo derives an estimate from used and total byte counts.
// Total is raised to used if needed; available is never negative and the
// percentage is clamped to [0, 100].
func NewUsageInfo(used, total int64) UsageInfo {
	if used < 0 {
		used = 0
	}
	if total < used {
		total = used
	}

	available := total - used
	if available < 0 {
		available = 0
	}

	var pct float64
	if total > 0 {
		pct = float64(used) / float64(total) * 100
	}
	pct = math.Max(0, math.Min(100, pct))

	return UsageInfo{
		UsedBytes:       used,
		TotalBytes:      total,
		AvailableBytes:  available,
		UsagePercentage: round2(pct),
		UsedMB:          toMB(used),
		TotalMB:         toMB(total),
		AvailableMB:     toMB(available),
	}
}

// String renders the estimate for display.
func (u UsageInfo) String() string {
	return fmt.Sprintf("%s of %s used (%.2f%%), %s free",
		humanize.IBytes(uint64(u.UsedBytes)),
		humanize.IBytes(uint64(u.TotalBytes)),
		u.UsagePercentage,
		humanize.IBytes(uint64(u.AvailableBytes)))
}

func toMB(b int64) float64 {
	return round2(float64(b) / bytesPerMB)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
