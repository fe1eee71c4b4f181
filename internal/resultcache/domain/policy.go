package domain

import "time"

const (
	HotThreshold  = 10
	WarmThreshold = 3

	HotTTL  = 48 * time.Hour
	WarmTTL = 7 * 24 * time.Hour
	ColdTTL = 30 * 24 * time.Hour

	// RefreshWindow is the share of a TTL after which a popular entry is due for refresh.
	RefreshWindow = 0.75
)

// TemperatureForHits classifies an entry by its hit count.
func TemperatureForHits(hits int64) Temperature {
	switch {
	case hits >= HotThreshold:
		return TemperatureHot
	case hits >= WarmThreshold:
		return TemperatureWarm
	default:
		return TemperatureCold
	}
}

func (t Temperature) TTL() time.Duration {
	switch t {
	case TemperatureHot:
		return HotTTL
	case TemperatureWarm:
		return WarmTTL
	default:
		return ColdTTL
	}
}

func (t Temperature) rank() int {
	switch t {
	case TemperatureHot:
		return 2
	case TemperatureWarm:
		return 1
	default:
		return 0
	}
}

// Max never lets a temperature drop.
func (t Temperature) Max(other Temperature) Temperature {
	if other.rank() > t.rank() {
		return other
	}
	if t == "" {
		return TemperatureCold
	}
	return t
}

// RefreshDueAt is the instant after which an entry refreshed at refreshedAt is due for proactive refresh.
func (t Temperature) RefreshDueAt(refreshedAt time.Time) time.Time {
	return refreshedAt.Add(time.Duration(float64(t.TTL()) * RefreshWindow))
}
