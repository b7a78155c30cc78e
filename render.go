package main

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"

	"github.com/fogleman/gg"
	"github.com/paulmach/orb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const markerRadius = 6.0

// Renderer produces the map part of a frame. Implementations can be swapped
// without touching the pipeline.
type Renderer interface {
	RenderViewport(ctx context.Context, center orb.Point, halfSize float64) *Canvas
}

type DrawStyle struct {
	Background  color.Color
	PathColor   color.Color
	PathWidth   float64
	MarkerColor color.Color
}

// Viewport maps projected metres to frame pixels with a uniform scale.
type Viewport struct {
	Center         orb.Point
	MetersPerPixel float64
	Width, Height  int
}

// newViewport fits [c-halfSize, c+halfSize] into the shorter side of the
// frame; the longer side shows proportionally more of the map.
func newViewport(center orb.Point, halfSize float64, width, height int) Viewport {
	short := math.Min(float64(width), float64(height))
	return Viewport{
		Center:         center,
		MetersPerPixel: 2 * halfSize / short,
		Width:          width,
		Height:         height,
	}
}

func (v Viewport) ToPixel(p orb.Point) (float64, float64) {
	x := float64(v.Width)/2 + (p[0]-v.Center[0])/v.MetersPerPixel
	y := float64(v.Height)/2 - (p[1]-v.Center[1])/v.MetersPerPixel
	return x, y
}

func (v Viewport) Bound() orb.Bound {
	halfW := float64(v.Width) / 2 * v.MetersPerPixel
	halfH := float64(v.Height) / 2 * v.MetersPerPixel
	return orb.Bound{
		Min: orb.Point{v.Center[0] - halfW, v.Center[1] - halfH},
		Max: orb.Point{v.Center[0] + halfW, v.Center[1] + halfH},
	}
}

// Canvas is one frame being built. It is owned by a single goroutine.
type Canvas struct {
	dc    *gg.Context
	view  Viewport
	style *DrawStyle
}

func (c *Canvas) Image() image.Image { return c.dc.Image() }

func (c *Canvas) DrawPath(points []orb.Point) {
	if len(points) < 2 {
		return
	}
	c.dc.SetColor(c.style.PathColor)
	c.dc.SetLineWidth(c.style.PathWidth)
	c.dc.SetLineCapRound()
	c.dc.SetLineJoinRound()
	x, y := c.view.ToPixel(points[0])
	c.dc.MoveTo(x, y)
	for _, p := range points[1:] {
		x, y = c.view.ToPixel(p)
		c.dc.LineTo(x, y)
	}
	c.dc.Stroke()
}

func (c *Canvas) DrawMarker(p orb.Point) {
	x, y := c.view.ToPixel(p)
	c.dc.SetColor(c.style.MarkerColor)
	c.dc.DrawPoint(x, y, markerRadius)
	c.dc.Fill()
	c.dc.SetColor(color.White)
	c.dc.SetLineWidth(2)
	c.dc.DrawPoint(x, y, markerRadius)
	c.dc.Stroke()
}

// Rotate turns the frame counter-clockwise about its centre. Zero is a no-op.
func (c *Canvas) Rotate(degrees float64) {
	if degrees == 0 {
		return
	}
	w, h := c.dc.Width(), c.dc.Height()
	src := c.dc.Image()
	dc := gg.NewContext(w, h)
	dc.SetColor(c.style.Background)
	dc.Clear()
	dc.RotateAbout(-gg.Radians(degrees), float64(w)/2, float64(h)/2)
	dc.DrawImage(src, 0, 0)
	dc.Identity()
	c.dc = dc
}

// --- Map Renderer ---

type MapRenderer struct {
	width, height int
	zoom          int
	tiles         TileSource
	style         DrawStyle
	logger        *zap.Logger
}

func newMapRenderer(args *Arguments, tiles TileSource, logger *zap.Logger) *MapRenderer {
	return &MapRenderer{
		width:  args.VideoWidth,
		height: args.VideoHeight,
		zoom:   args.MapZoom,
		tiles:  tiles,
		style: DrawStyle{
			Background:  color.RGBA{R: 40, G: 40, B: 40, A: 255},
			PathColor:   args.PathColor,
			PathWidth:   args.PathWidth,
			MarkerColor: color.RGBA{B: 255, A: 255},
		},
		logger: logger,
	}
}

func (r *MapRenderer) viewport(center orb.Point, halfSize float64) Viewport {
	return newViewport(center, halfSize, r.width, r.height)
}

func (r *MapRenderer) RenderViewport(ctx context.Context, center orb.Point, halfSize float64) *Canvas {
	view := r.viewport(center, halfSize)
	dc := gg.NewContext(r.width, r.height)
	dc.SetColor(r.style.Background)
	dc.Clear()

	if r.tiles != nil {
		if err := r.drawBasemap(ctx, dc, view); err != nil {
			r.logger.Warn("basemap incomplete, using blank background", zap.Error(err))
		}
	}
	return &Canvas{dc: dc, view: view, style: &r.style}
}

// drawBasemap scales every tile covering the viewport into place. Tiles are
// fetched concurrently; those that fail are skipped and reported together.
func (r *MapRenderer) drawBasemap(ctx context.Context, dc *gg.Context, view Viewport) error {
	tiles := tilesForBound(view.Bound(), r.zoom)
	imgs := make([]image.Image, len(tiles))
	errs := make([]error, len(tiles))

	var g errgroup.Group
	g.SetLimit(tileFetchConcurrency)
	for i, t := range tiles {
		g.Go(func() error {
			imgs[i], errs[i] = r.tiles.Tile(ctx, t)
			return nil
		})
	}
	g.Wait()

	for i, t := range tiles {
		img := imgs[i]
		if img == nil {
			continue
		}
		b := tileBound(t)
		px, py := view.ToPixel(orb.Point{b.Min[0], b.Max[1]})
		scale := (b.Max[0] - b.Min[0]) / view.MetersPerPixel / float64(img.Bounds().Dx())

		dc.Push()
		dc.Translate(px, py)
		dc.Scale(scale, scale)
		dc.DrawImage(img, 0, 0)
		dc.Pop()
	}
	return errors.Join(errs...)
}

// --- Frame Composition ---

type frameComposer struct {
	renderer   Renderer
	overlay    *Overlay
	windowSize float64
	rotation   float64
}

// Compose renders the frame for sample index i: map, path through 0..i,
// marker, rotation and the statistics overlay.
func (f *frameComposer) Compose(ctx context.Context, track *Track, i int) image.Image {
	current := track.Points[i]
	canvas := f.renderer.RenderViewport(ctx, current, f.windowSize)
	canvas.DrawPath(track.Points[:i+1])
	canvas.DrawMarker(current)
	canvas.Rotate(f.rotation)
	f.overlay.Draw(canvas, track.Metrics[i])
	return canvas.Image()
}
