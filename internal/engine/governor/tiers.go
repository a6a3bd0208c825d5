package governor

import "time"

// Tier is the rate-limit bracket derived from how long the automated
// account has existed.
type Tier string

const (
	TierNew         Tier = "new"         // < 1 week
	TierWarming     Tier = "warming"     // 1-4 weeks
	TierEstablished Tier = "established" // 4-8 weeks
	TierMature      Tier = "mature"      // 8+ weeks
)

// TierLimits bounds a tier's send volume and spacing.
type TierLimits struct {
	HourlyLimit int
	DailyLimit  int
	MinInterval time.Duration
}

// tierTable holds the built-in limits. Fresh accounts crawl; the brackets
// loosen as the account survives its first weeks.
var tierTable = map[Tier]TierLimits{
	TierNew:         {HourlyLimit: 5, DailyLimit: 15, MinInterval: 90 * time.Second},
	TierWarming:     {HourlyLimit: 15, DailyLimit: 40, MinInterval: 45 * time.Second},
	TierEstablished: {HourlyLimit: 30, DailyLimit: 100, MinInterval: 30 * time.Second},
	TierMature:      {HourlyLimit: 30, DailyLimit: 150, MinInterval: 20 * time.Second},
}

// tierForAge maps account age in weeks to its maturity tier.
func tierForAge(weeks int) Tier {
	switch {
	case weeks < 1:
		return TierNew
	case weeks < 4:
		return TierWarming
	case weeks < 8:
		return TierEstablished
	default:
		return TierMature
	}
}

// Limits returns the limits for t.
func (t Tier) Limits() TierLimits {
	if l, ok := tierTable[t]; ok {
		return l
	}
	return tierTable[TierNew]
}
