package main

import (
	"context"
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	tileFetchConcurrency = 8
	tileFetchInterval    = time.Second / 20
)

// tilesForBound lists the tiles at zoom covering a projected bound.
func tilesForBound(b orb.Bound, zoom int) []Tile {
	maxIndex := int(math.Exp2(float64(zoom))) - 1
	clamp := func(v float64) int {
		i := int(math.Floor(v))
		if i < 0 {
			return 0
		}
		if i > maxIndex {
			return maxIndex
		}
		return i
	}

	// Tile y grows southwards, so the bound's top edge gives the smallest row.
	txMin, tyMin := mercatorToTile(orb.Point{b.Min[0], b.Max[1]}, zoom)
	txMax, tyMax := mercatorToTile(orb.Point{b.Max[0], b.Min[1]}, zoom)

	var tiles []Tile
	for x := clamp(txMin); x <= clamp(txMax); x++ {
		for y := clamp(tyMin); y <= clamp(tyMax); y++ {
			tiles = append(tiles, Tile{X: x, Y: y, Z: zoom})
		}
	}
	return tiles
}

func getAllTilesForTrack(track *Track, r *MapRenderer, halfSize float64) map[Tile]struct{} {
	tileCoords := make(map[Tile]struct{})
	for i := 1; i < len(track.Points); i++ {
		view := r.viewport(track.Points[i], halfSize)
		for _, t := range tilesForBound(view.Bound(), r.zoom) {
			tileCoords[t] = struct{}{}
		}
	}
	return tileCoords
}

// prefetchTiles warms the tile cache. Failures are logged and left for the
// renderer to deal with.
func prefetchTiles(ctx context.Context, src TileSource, allTiles map[Tile]struct{}, bar *progressbar.ProgressBar, logger *zap.Logger) error {
	logger.Info("Prefetching map tiles...", zap.Int("tiles", len(allTiles)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tileFetchConcurrency)

	failed := 0
	results := make(chan error, len(allTiles))
	for tile := range allTiles {
		if gctx.Err() != nil {
			break
		}
		t := tile
		g.Go(func() error {
			_, err := src.Tile(gctx, t)
			if err != nil {
				logger.Debug("could not prefetch tile", zap.Stringer("tile", t), zap.Error(err))
			}
			results <- err
			bar.Add(1)
			time.Sleep(tileFetchInterval)
			return nil
		})
	}
	g.Wait()
	close(results)

	for err := range results {
		if err != nil {
			failed++
		}
	}
	if failed > 0 {
		logger.Warn("some tiles could not be prefetched", zap.Int("failed", failed), zap.Int("total", len(allTiles)))
	}
	return ctx.Err()
}
