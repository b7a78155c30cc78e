package main

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

const (
	// Web mercator is undefined beyond this latitude.
	maxMercatorLat = 85.05112878
	// Half the width of the projected world in metres.
	mercatorOriginShift = math.Pi * orb.EarthRadius
)

var ErrInvalidCoordinate = errors.New("invalid coordinate")

type InvalidCoordinateError struct {
	Index    int
	Lon, Lat float64
}

func (e *InvalidCoordinateError) Error() string {
	return fmt.Sprintf("%v at point %d: lon=%v lat=%v", ErrInvalidCoordinate, e.Index, e.Lon, e.Lat)
}

func (e *InvalidCoordinateError) Is(target error) bool {
	return target == ErrInvalidCoordinate
}

func validCoordinate(lon, lat float64) bool {
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
		return false
	}
	return lon >= -180 && lon <= 180 && lat >= -maxMercatorLat && lat <= maxMercatorLat
}

// projectSample maps a sample onto EPSG:3857 metres.
func projectSample(s GeoSample) (orb.Point, error) {
	if !validCoordinate(s.Lon, s.Lat) {
		return orb.Point{}, &InvalidCoordinateError{Index: -1, Lon: s.Lon, Lat: s.Lat}
	}
	return project.WGS84.ToMercator(orb.Point{s.Lon, s.Lat}), nil
}

func projectTrack(samples []GeoSample) ([]orb.Point, error) {
	points := make([]orb.Point, len(samples))
	for i, s := range samples {
		p, err := projectSample(s)
		if err != nil {
			var ice *InvalidCoordinateError
			if errors.As(err, &ice) {
				ice.Index = i
			}
			return nil, err
		}
		points[i] = p
	}
	return points, nil
}

// mercatorToTile returns fractional slippy-map tile coordinates.
func mercatorToTile(p orb.Point, zoom int) (float64, float64) {
	n := math.Exp2(float64(zoom))
	xtile := (p[0] + mercatorOriginShift) / (2 * mercatorOriginShift) * n
	ytile := (mercatorOriginShift - p[1]) / (2 * mercatorOriginShift) * n
	return xtile, ytile
}

// tileBound returns the projected extent of a slippy-map tile.
func tileBound(t Tile) orb.Bound {
	size := 2 * mercatorOriginShift / math.Exp2(float64(t.Z))
	minX := -mercatorOriginShift + float64(t.X)*size
	maxY := mercatorOriginShift - float64(t.Y)*size
	return orb.Bound{
		Min: orb.Point{minX, maxY - size},
		Max: orb.Point{minX + size, maxY},
	}
}
