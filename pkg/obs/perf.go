package obs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bryanveloso/synthform-sub000/pkg/kv"
)

// defaultStatsInterval is how often the monitor samples GetStats when the
// configuration leaves it unset.
const defaultStatsInterval = time.Minute

// skipRatioThreshold is the per-interval skipped-frame ratio that trips
// the operator warning.
const skipRatioThreshold = 0.05

// minFramesForRatio avoids alerting on a near-empty sample right after a
// connect or scene collection switch.
const minFramesForRatio = 100

// statsSample is the slice of GetStats the monitor reads.
type statsSample struct {
	RenderSkipped int64 `json:"renderSkippedFrames"`
	RenderTotal   int64 `json:"renderTotalFrames"`
	OutputSkipped int64 `json:"outputSkippedFrames"`
	OutputTotal   int64 `json:"outputTotalFrames"`
}

// monitorPerformance samples cumulative frame counters every interval,
// compares against the previous sample stored in KV, and latches one
// operator warning per bad stretch.
func (c *Client) monitorPerformance(ctx context.Context) {
	interval := c.cfg.StatsInterval
	if interval <= 0 {
		interval = defaultStatsInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.samplePerformance(ctx); err != nil {
				c.logger.Warn("performance sample failed", "error", err)
			}
		}
	}
}

func (c *Client) samplePerformance(ctx context.Context) error {
	data, err := c.request(ctx, "GetStats", nil)
	if err != nil {
		return err
	}
	var sample statsSample
	if err := json.Unmarshal(data, &sample); err != nil {
		return err
	}

	prev, havePrev, err := c.kv.OBSPerfCounters(ctx)
	if err != nil {
		return err
	}
	if err := c.kv.SetOBSPerfCounters(ctx, toCounters(sample)); err != nil {
		return err
	}
	if !havePrev {
		return nil
	}

	// Counters reset when OBS restarts; skip the interval that wrapped.
	renderSkipped := sample.RenderSkipped - prev.RenderSkipped
	renderTotal := sample.RenderTotal - prev.RenderTotal
	outputSkipped := sample.OutputSkipped - prev.OutputSkipped
	outputTotal := sample.OutputTotal - prev.OutputTotal
	if renderTotal < 0 || outputTotal < 0 {
		return nil
	}

	degraded := frameRatio(renderSkipped, renderTotal) > skipRatioThreshold ||
		frameRatio(outputSkipped, outputTotal) > skipRatioThreshold

	active, err := c.kv.OBSPerfWarningActive(ctx)
	if err != nil {
		return err
	}

	switch {
	case degraded && !active:
		c.logger.Warn("compositor dropping frames",
			"render_skipped", renderSkipped, "output_skipped", outputSkipped)
		if err := c.kv.SetOBSPerfWarningActive(ctx, true); err != nil {
			return err
		}
		c.notifier.OBSPerformance(ctx, renderSkipped, outputSkipped)
	case !degraded && active:
		c.logger.Info("compositor frame rate recovered")
		if err := c.kv.SetOBSPerfWarningActive(ctx, false); err != nil {
			return err
		}
	}
	return nil
}

func frameRatio(skipped, total int64) float64 {
	if total < minFramesForRatio {
		return 0
	}
	return float64(skipped) / float64(total)
}

func toCounters(s statsSample) kv.OBSPerfCounters {
	return kv.OBSPerfCounters{
		OutputSkipped: s.OutputSkipped,
		OutputTotal:   s.OutputTotal,
		RenderSkipped: s.RenderSkipped,
		RenderTotal:   s.RenderTotal,
	}
}
