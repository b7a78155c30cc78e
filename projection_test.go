package main

import (
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectSampleIsDeterministic(t *testing.T) {
	s := GeoSample{Lon: -122.4194, Lat: 37.7749}

	a, err := projectSample(s)
	require.NoError(t, err)
	b, err := projectSample(s)
	require.NoError(t, err)

	assert.Equal(t, math.Float64bits(a[0]), math.Float64bits(b[0]))
	assert.Equal(t, math.Float64bits(a[1]), math.Float64bits(b[1]))
}

func TestProjectSampleKnownValues(t *testing.T) {
	origin, err := projectSample(GeoSample{})
	require.NoError(t, err)
	assert.InDelta(t, 0, origin[0], 1e-9)
	assert.InDelta(t, 0, origin[1], 1e-9)

	east, err := projectSample(GeoSample{Lon: 180})
	require.NoError(t, err)
	assert.InDelta(t, 20037508.342789244, east[0], 1e-6)

	north, err := projectSample(GeoSample{Lat: maxMercatorLat})
	require.NoError(t, err)
	assert.InDelta(t, 20037508.34, north[1], 1)
}

func TestProjectSampleInvalid(t *testing.T) {
	for _, s := range []GeoSample{
		{Lon: 181, Lat: 0},
		{Lon: -180.5, Lat: 0},
		{Lon: 0, Lat: 86},
		{Lon: 0, Lat: -90},
		{Lon: math.NaN(), Lat: 0},
		{Lon: 0, Lat: math.Inf(1)},
	} {
		_, err := projectSample(s)
		assert.ErrorIs(t, err, ErrInvalidCoordinate, "%+v", s)
	}
}

func TestProjectTrackReportsIndex(t *testing.T) {
	samples := []GeoSample{{Lon: 1, Lat: 1}, {Lon: 2, Lat: 2}, {Lon: 200, Lat: 2}}

	_, err := projectTrack(samples)
	require.ErrorIs(t, err, ErrInvalidCoordinate)

	var ice *InvalidCoordinateError
	require.True(t, errors.As(err, &ice))
	assert.Equal(t, 2, ice.Index)
	assert.Equal(t, 200.0, ice.Lon)
}

func TestTileBoundMatchesTileCoordinates(t *testing.T) {
	tile := Tile{X: 70406, Y: 42987, Z: 17}
	b := tileBound(tile)

	x, y := mercatorToTile(b.Center(), tile.Z)
	assert.Equal(t, tile.X, int(math.Floor(x)))
	assert.Equal(t, tile.Y, int(math.Floor(y)))

	x, y = mercatorToTile(orb.Point{b.Min[0], b.Max[1]}, tile.Z)
	assert.InDelta(t, float64(tile.X), x, 1e-6)
	assert.InDelta(t, float64(tile.Y), y, 1e-6)
}

func TestTilesForBound(t *testing.T) {
	world := orb.Bound{
		Min: orb.Point{-mercatorOriginShift, -mercatorOriginShift},
		Max: orb.Point{mercatorOriginShift, mercatorOriginShift},
	}
	assert.Len(t, tilesForBound(world, 0), 1)
	assert.Len(t, tilesForBound(world, 2), 16)

	inner := tileBound(Tile{X: 5, Y: 9, Z: 4})
	center := inner.Center()
	small := orb.Bound{Min: orb.Point{center[0] - 1, center[1] - 1}, Max: orb.Point{center[0] + 1, center[1] + 1}}
	assert.Equal(t, []Tile{{X: 5, Y: 9, Z: 4}}, tilesForBound(small, 4))
}
