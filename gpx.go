package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/tkrajina/gpxgo/gpx"
)

// --- Structs ---

// OptionalTime is a timestamp that may be absent from the recording.
type OptionalTime struct {
	Time  time.Time
	Valid bool
}

func SomeTime(t time.Time) OptionalTime {
	return OptionalTime{Time: t, Valid: true}
}

// Sub returns o-u in seconds. ok is false if either timestamp is missing.
func (o OptionalTime) Sub(u OptionalTime) (seconds float64, ok bool) {
	if !o.Valid || !u.Valid {
		return 0, false
	}
	return o.Time.Sub(u.Time).Seconds(), true
}

// GeoSample is one recorded position, as read from the track file.
type GeoSample struct {
	Lon, Lat float64
	Time     OptionalTime
}

var ErrEmptyTrack = errors.New("track has no points")

// TrackParseError reports a track file that could not be read or decoded.
type TrackParseError struct {
	Path string
	Err  error
}

func (e *TrackParseError) Error() string {
	return fmt.Sprintf("failed to parse track %s: %v", e.Path, e.Err)
}

func (e *TrackParseError) Unwrap() error { return e.Err }

// --- Track Parsing ---

func parseTrack(filePath string) ([]GeoSample, error) {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".geojson", ".json":
		return parseGeoJSON(filePath)
	default:
		return parseGpx(filePath)
	}
}

func parseGpx(filePath string) ([]GeoSample, error) {
	gpxFile, err := gpx.ParseFile(filePath)
	if err != nil {
		return nil, &TrackParseError{Path: filePath, Err: err}
	}

	var samples []GeoSample
	for _, track := range gpxFile.Tracks {
		for _, segment := range track.Segments {
			for _, p := range segment.Points {
				s := GeoSample{Lon: p.Longitude, Lat: p.Latitude}
				if !p.Timestamp.IsZero() {
					s.Time = SomeTime(p.Timestamp)
				}
				samples = append(samples, s)
			}
		}
	}
	return samples, nil
}

// parseGeoJSON reads the first LineString feature of a FeatureCollection.
// Per-vertex times are taken from a "coordTimes" property when present.
func parseGeoJSON(filePath string) ([]GeoSample, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, &TrackParseError{Path: filePath, Err: err}
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, &TrackParseError{Path: filePath, Err: err}
	}

	for _, feature := range fc.Features {
		line, ok := feature.Geometry.(orb.LineString)
		if !ok {
			continue
		}
		times, err := coordTimes(feature.Properties, len(line))
		if err != nil {
			return nil, &TrackParseError{Path: filePath, Err: err}
		}
		samples := make([]GeoSample, len(line))
		for i, p := range line {
			samples[i] = GeoSample{Lon: p.Lon(), Lat: p.Lat(), Time: times[i]}
		}
		return samples, nil
	}
	return nil, &TrackParseError{Path: filePath, Err: errors.New("no LineString feature found")}
}

func coordTimes(props geojson.Properties, n int) ([]OptionalTime, error) {
	times := make([]OptionalTime, n)
	raw, ok := props["coordTimes"].([]interface{})
	if !ok {
		return times, nil
	}
	if len(raw) != n {
		return nil, fmt.Errorf("coordTimes has %d entries for %d coordinates", len(raw), n)
	}
	for i, v := range raw {
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("coordTimes[%d]: %w", i, err)
		}
		times[i] = SomeTime(t)
	}
	return times, nil
}

// --- Sampling ---

// sampleTrack keeps the samples at positions 0, stride, 2*stride, ...
func sampleTrack(samples []GeoSample, stride int) []GeoSample {
	if stride < 1 {
		stride = 1
	}
	sampled := make([]GeoSample, 0, (len(samples)+stride-1)/stride)
	for i := 0; i < len(samples); i += stride {
		sampled = append(sampled, samples[i])
	}
	return sampled
}
