package campaign

import "github.com/bryanveloso/synthform-sub000/pkg/store"

// secondsPerSub returns the countdown extension one subscription of the
// given tier earns under the campaign's rates.
func secondsPerSub(c *store.Campaign, tier int) int {
	switch tier {
	case 3:
		return c.SecondsPerTier3
	case 2:
		return c.SecondsPerTier2
	default:
		return c.SecondsPerSub
	}
}

// timerAddition computes the seconds a batch of subscriptions adds to the
// countdown. Zero unless the campaign is in timer mode and the timer has
// been started; pausing does not stop accrual, it only freezes the display.
func timerAddition(c *store.Campaign, m *store.Metrics, tier, count int) int {
	if !c.TimerMode || m.TimerStartedAt == nil {
		return 0
	}
	if count < 1 {
		return 0
	}
	return secondsPerSub(c, tier) * count
}

// parseTier maps the platform's tier strings onto 1..3. Prime subs count as
// tier 1. Unknown strings also fall back to tier 1 rather than dropping the
// event.
func parseTier(tier string) int {
	switch tier {
	case "3000":
		return 3
	case "2000":
		return 2
	default:
		return 1
	}
}
