package main

import (
	"fmt"
	"image/color"
	"math"

	"github.com/golang/freetype/truetype"
)

const (
	overlayFontSize    = 20.0
	overlayLeft        = 20.0
	overlayTop         = 30.0
	overlayLineSpacing = 30.0
	overlayStrokeWidth = 2
)

// Overlay burns the running statistics into the top-left corner of a frame.
type Overlay struct {
	font   *truetype.Font
	fill   color.Color
	stroke color.Color
}

func newOverlay(font *truetype.Font) *Overlay {
	return &Overlay{
		font:   font,
		fill:   color.White,
		stroke: color.RGBA{A: 200},
	}
}

func overlayLines(m FrameMetrics) []string {
	return []string{
		fmt.Sprintf("Distance: %.2f km", m.DistanceM/1000),
		fmt.Sprintf("Speed: %.1f km/h", m.SpeedKph),
		"Time: " + formatElapsed(m.ElapsedS),
	}
}

// formatElapsed renders mm:ss; minutes are not wrapped into hours.
func formatElapsed(seconds float64) string {
	if math.IsNaN(seconds) || seconds < 0 {
		seconds = 0
	}
	minutes := int(math.Floor(seconds / 60))
	secs := int(math.Floor(math.Mod(seconds, 60)))
	return fmt.Sprintf("%02d:%02d", minutes, secs)
}

func (o *Overlay) Draw(c *Canvas, m FrameMetrics) {
	dc := c.dc
	// Faces keep a glyph cache and must not be shared between workers.
	dc.SetFontFace(truetype.NewFace(o.font, &truetype.Options{Size: overlayFontSize}))

	for i, line := range overlayLines(m) {
		x := overlayLeft
		y := overlayTop + float64(i)*overlayLineSpacing

		dc.SetColor(o.stroke)
		for dy := -overlayStrokeWidth; dy <= overlayStrokeWidth; dy++ {
			for dx := -overlayStrokeWidth; dx <= overlayStrokeWidth; dx++ {
				if dx != 0 || dy != 0 {
					dc.DrawString(line, x+float64(dx), y+float64(dy))
				}
			}
		}
		dc.SetColor(o.fill)
		dc.DrawString(line, x, y)
	}
}
