// Package limitbreak drives the channel-points gauge: reward redemptions
// charge a three-bar meter, and a second reward fires it.
package limitbreak

// defaultMaxCount is the full gauge (three bars of 100).
const defaultMaxCount = 300

// bars is the number of segments on the gauge.
const bars = 3

// State is the gauge as overlays render it.
type State struct {
	Count   int           `json:"count"`
	Bars    [bars]float64 `json:"bars"`
	IsMaxed bool          `json:"isMaxed"`
}

// computeState converts a raw redemption count into bar fractions.
// Each bar fills in order; counts past maxCount stay clamped.
func computeState(count, maxCount int) State {
	if maxCount <= 0 {
		maxCount = defaultMaxCount
	}
	if count < 0 {
		count = 0
	}
	if count > maxCount {
		count = maxCount
	}

	perBar := float64(maxCount) / bars
	s := State{Count: count, IsMaxed: count >= maxCount}
	for i := 0; i < bars; i++ {
		fill := (float64(count) - float64(i)*perBar) / perBar
		if fill < 0 {
			fill = 0
		}
		if fill > 1 {
			fill = 1
		}
		s.Bars[i] = fill
	}
	return s
}
