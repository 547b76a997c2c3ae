package dispatch

import (
	"strings"
	"time"
)

// Risk classifies how long-running a command is expected to be.
type Risk string

const (
	RiskStandard Risk = "standard"
	RiskUpgrade  Risk = "upgrade"
)

// TimeoutProfile is base + targets*increment, capped at max.
type TimeoutProfile struct {
	Base      time.Duration
	Increment time.Duration
	Max       time.Duration
}

var (
	StandardProfile = TimeoutProfile{Base: 120 * time.Second, Increment: 30 * time.Second, Max: 1800 * time.Second}
	UpgradeProfile  = TimeoutProfile{Base: 1800 * time.Second, Increment: 600 * time.Second, Max: 3600 * time.Second}
)

var upgradeKeywords = []string{"upgrade", "dist-upgrade", "dist_upgrade", "full-upgrade"}

// ClassifyRisk marks package upgrades, found in the function name or any argument.
func ClassifyRisk(function string, args []string) Risk {
	for _, s := range append([]string{function}, args...) {
		s = strings.ToLower(s)
		for _, kw := range upgradeKeywords {
			if strings.Contains(s, kw) {
				return RiskUpgrade
			}
		}
	}
	return RiskStandard
}

// ProfileFor returns the timeout profile of risk.
func ProfileFor(risk Risk) TimeoutProfile {
	if risk == RiskUpgrade {
		return UpgradeProfile
	}
	return StandardProfile
}

// Timeout returns min(base + count*increment, max). Counts below one are treated as one.
func (p TimeoutProfile) Timeout(targetCount int) time.Duration {
	if targetCount < 1 {
		targetCount = 1
	}
	d := p.Base + time.Duration(targetCount)*p.Increment
	if d > p.Max {
		return p.Max
	}
	return d
}

// CalculateTimeout is ProfileFor(risk).Timeout(targetCount).
func CalculateTimeout(risk Risk, targetCount int) time.Duration {
	return ProfileFor(risk).Timeout(targetCount)
}
