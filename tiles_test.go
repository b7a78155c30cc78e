package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func tilePNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testFrame(256, 256, color.RGBA{B: 200, A: 255})))
	return buf.Bytes()
}

func newTestTileSource(t *testing.T, handler http.HandlerFunc) (*httpTileSource, *atomic.Int32) {
	t.Helper()
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	src, err := newHTTPTileSource("default", t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	src.style = MapStyle{Name: "test", URL: srv.URL + "/{z}/{x}/{y}.png?key={apikey}"}
	src.apiKey = "secret"
	src.client = srv.Client()
	src.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return src, &requests
}

func TestTileURL(t *testing.T) {
	s := &httpTileSource{style: mapStyles["thunderforest"], apiKey: "abc"}
	assert.Equal(t, "https://tile.thunderforest.com/outdoors/17/3/5.png?apikey=abc", s.tileURL(Tile{X: 3, Y: 5, Z: 17}))

	s = &httpTileSource{style: mapStyles["esri"]}
	assert.Equal(t, "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/17/5/3", s.tileURL(Tile{X: 3, Y: 5, Z: 17}))
}

func TestHTTPTileSourceCaches(t *testing.T) {
	body := tilePNG(t)
	var gotPath, gotKey string
	var mu sync.Mutex
	src, requests := newTestTileSource(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath, gotKey = r.URL.Path, r.URL.Query().Get("key")
		mu.Unlock()
		w.Write(body)
	})
	tile := Tile{X: 1, Y: 2, Z: 3}

	img, err := src.Tile(context.Background(), tile)
	require.NoError(t, err)
	assert.Equal(t, 256, img.Bounds().Dx())
	assert.Equal(t, "/3/1/2.png", gotPath)
	assert.Equal(t, "secret", gotKey)
	assert.FileExists(t, src.tilePath(tile))

	_, err = src.Tile(context.Background(), tile)
	require.NoError(t, err)
	assert.Equal(t, int32(1), requests.Load(), "second lookup is served from memory")

	// A fresh source over the same cache directory reads the tile from disk.
	fresh, freshRequests := newTestTileSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	fresh.cacheDir = src.cacheDir
	_, err = fresh.Tile(context.Background(), tile)
	require.NoError(t, err)
	assert.Zero(t, freshRequests.Load())
}

func TestHTTPTileSourceRetries(t *testing.T) {
	body := tilePNG(t)
	var calls atomic.Int32
	src, requests := newTestTileSource(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(body)
	})

	_, err := src.Tile(context.Background(), Tile{X: 0, Y: 0, Z: 1})
	require.NoError(t, err)
	assert.Equal(t, int32(3), requests.Load())
}

func TestHTTPTileSourceGivesUp(t *testing.T) {
	src, requests := newTestTileSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := src.Tile(context.Background(), Tile{X: 0, Y: 0, Z: 1})
	assert.ErrorContains(t, err, "status 502")
	assert.Equal(t, int32(4), requests.Load(), "one attempt plus three retries")
}

func TestHTTPTileSourceNotFoundIsPermanent(t *testing.T) {
	src, requests := newTestTileSource(t, http.NotFound)

	_, err := src.Tile(context.Background(), Tile{X: 0, Y: 0, Z: 1})
	assert.ErrorIs(t, err, errTileNotFound)
	assert.Equal(t, int32(1), requests.Load())
}

func TestHTTPTileSourceDeduplicatesConcurrentRequests(t *testing.T) {
	body := tilePNG(t)
	release := make(chan struct{})
	src, requests := newTestTileSource(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write(body)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := src.Tile(context.Background(), Tile{X: 4, Y: 4, Z: 4})
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), requests.Load())
}

func TestHTTPTileSourceRemembersMissingTiles(t *testing.T) {
	src, requests := newTestTileSource(t, http.NotFound)
	tile := Tile{X: 0, Y: 0, Z: 1}

	_, err := src.Tile(context.Background(), tile)
	require.ErrorIs(t, err, errTileNotFound)
	_, err = src.Tile(context.Background(), tile)
	assert.ErrorIs(t, err, errTileNotFound)
	assert.Equal(t, int32(1), requests.Load())
}

func TestHTTPTileSourceRetriesAfterFailureTTL(t *testing.T) {
	body := tilePNG(t)
	var healthy atomic.Bool
	src, requests := newTestTileSource(t, func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(body)
	})
	src.failureTTL = 20 * time.Millisecond
	tile := Tile{X: 0, Y: 0, Z: 1}

	_, err := src.Tile(context.Background(), tile)
	require.Error(t, err)
	assert.Equal(t, int32(4), requests.Load())

	healthy.Store(true)
	_, err = src.Tile(context.Background(), tile)
	assert.ErrorContains(t, err, "failed recently")
	assert.Equal(t, int32(4), requests.Load())

	time.Sleep(40 * time.Millisecond)
	_, err = src.Tile(context.Background(), tile)
	require.NoError(t, err)
	assert.Equal(t, int32(5), requests.Load())
}

func TestHTTPTileSourceCancelledFetchIsNotRemembered(t *testing.T) {
	body := tilePNG(t)
	src, requests := newTestTileSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tile := Tile{X: 0, Y: 0, Z: 1}

	_, err := src.Tile(ctx, tile)
	require.Error(t, err)

	_, err = src.Tile(context.Background(), tile)
	require.NoError(t, err)
	assert.Equal(t, int32(1), requests.Load())
}

func TestRenderViewportSkipsFailedTiles(t *testing.T) {
	src, requests := newTestTileSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	args := testArguments()
	args.MapZoom = 10
	r := newMapRenderer(args, src, zaptest.NewLogger(t))
	center, err := projectSample(GeoSample{Lon: 13.3, Lat: 52.45})
	require.NoError(t, err)

	r.RenderViewport(context.Background(), center, 100)
	first := requests.Load()
	require.Positive(t, first)

	img := r.RenderViewport(context.Background(), center, 100).Image()
	assert.Equal(t, first, requests.Load(), "failed tiles are not fetched again")
	red, green, blue := rgbaAt(img, 5, 5)
	assert.Equal(t, [3]uint8{40, 40, 40}, [3]uint8{red, green, blue})
}

func TestHTTPTileSourceMemoryCacheIsBounded(t *testing.T) {
	body := tilePNG(t)
	src, requests := newTestTileSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	})
	small, err := lru.New[string, image.Image](2)
	require.NoError(t, err)
	src.cache = small

	for x := 0; x < 3; x++ {
		_, err := src.Tile(context.Background(), Tile{X: x, Y: 0, Z: 2})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, src.cache.Len())
	assert.False(t, src.cache.Contains(Tile{X: 0, Y: 0, Z: 2}.String()))

	// The evicted tile comes back from the disk cache.
	_, err = src.Tile(context.Background(), Tile{X: 0, Y: 0, Z: 2})
	require.NoError(t, err)
	assert.Equal(t, int32(3), requests.Load())
}

func TestNewHTTPTileSourceUnknownStyle(t *testing.T) {
	_, err := newHTTPTileSource("watercolor", "", zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestPrefetchTiles(t *testing.T) {
	body := tilePNG(t)
	src, requests := newTestTileSource(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/5/0/0.png" {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	})
	tiles := map[Tile]struct{}{
		{X: 0, Y: 0, Z: 5}: {},
		{X: 1, Y: 0, Z: 5}: {},
		{X: 2, Y: 0, Z: 5}: {},
	}

	err := prefetchTiles(context.Background(), src, tiles, silentBar(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, int32(3), requests.Load())

	assert.True(t, src.cache.Contains(Tile{X: 1, Y: 0, Z: 5}.String()))
}

func TestGetAllTilesForTrack(t *testing.T) {
	args := testArguments()
	args.MapZoom = 12
	r := newMapRenderer(args, nil, zaptest.NewLogger(t))
	track, err := buildTrack(straightTrack(5, 100, time.Second, true), 1)
	require.NoError(t, err)

	tiles := getAllTilesForTrack(track, r, args.WindowSize)
	assert.NotEmpty(t, tiles)
	for tile := range tiles {
		assert.Equal(t, 12, tile.Z)
	}
}
