package main

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// fallbackDt is used whenever a time delta is unavailable or not positive.
// Speeds computed with it are distance-per-sample rather than real speeds.
const fallbackDt = 1.0

type FrameMetrics struct {
	DistanceM float64
	SpeedKph  float64
	ElapsedS  float64
	// TimeFallback is set when SpeedKph was computed with fallbackDt.
	TimeFallback bool
}

// computeMetrics folds consecutive point pairs into per-index metrics.
// Index 0 is the zero value; it never gets a frame.
func computeMetrics(points []orb.Point, samples []GeoSample) []FrameMetrics {
	metrics := make([]FrameMetrics, len(points))
	for i := 1; i < len(points); i++ {
		delta := planar.Distance(points[i-1], points[i])

		m := FrameMetrics{DistanceM: metrics[i-1].DistanceM + delta}

		dt, ok := samples[i].Time.Sub(samples[i-1].Time)
		if !ok || dt <= 0 {
			dt = fallbackDt
			m.TimeFallback = true
		}
		m.SpeedKph = delta / dt * 3.6

		if elapsed, ok := samples[i].Time.Sub(samples[0].Time); ok {
			m.ElapsedS = elapsed
		}
		metrics[i] = m
	}
	return metrics
}
