package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// --- Structs ---

type MapStyle struct {
	Name    string
	URL     string
	Headers map[string]string
}

type Tile struct {
	X, Y, Z int
}

func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// TileSource supplies basemap tiles in web mercator slippy-map addressing.
type TileSource interface {
	Tile(ctx context.Context, t Tile) (image.Image, error)
}

const tileAPIKeyEnv = "GPXVIDEO_TILE_API_KEY"

var mapStyles = map[string]MapStyle{
	"esri":          {Name: "esri", URL: "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}"},
	"default":       {Name: "default", URL: "https://tile.openstreetmap.org/{z}/{x}/{y}.png"},
	"cyclosm":       {Name: "cyclosm", URL: "https://c.tile-cyclosm.openstreetmap.fr/cyclosm/{z}/{x}/{y}.png"},
	"positron":      {Name: "positron", URL: "https://d.basemaps.cartocdn.com/light_all/{z}/{x}/{y}.png"},
	"thunderforest": {Name: "thunderforest", URL: "https://tile.thunderforest.com/outdoors/{z}/{x}/{y}.png?apikey={apikey}"},
}

var errTileNotFound = errors.New("tile not found")

const (
	// Decoded tiles kept in memory; older ones are re-read from the disk cache.
	tileMemoryCacheSize = 512
	// How long a transient download failure is served without asking again.
	tileFailureTTL = 30 * time.Second
)

// tileFailure is a remembered download error. A zero until never expires.
type tileFailure struct {
	err   error
	until time.Time
}

// --- Tile Downloading & Caching ---

type httpTileSource struct {
	style    MapStyle
	cacheDir string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger

	maxRetries uint64
	newBackOff func() backoff.BackOff
	failureTTL time.Duration

	cache    *lru.Cache[string, image.Image]
	failures sync.Map // tile key -> tileFailure
	group    singleflight.Group
}

func newHTTPTileSource(styleName, cacheDir string, logger *zap.Logger) (*httpTileSource, error) {
	style, ok := mapStyles[styleName]
	if !ok {
		return nil, fmt.Errorf("invalid map style: %s", styleName)
	}
	cache, err := lru.New[string, image.Image](tileMemoryCacheSize)
	if err != nil {
		return nil, err
	}
	return &httpTileSource{
		style:      style,
		cacheDir:   cacheDir,
		apiKey:     os.Getenv(tileAPIKeyEnv),
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		maxRetries: 3,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		failureTTL: tileFailureTTL,
		cache:      cache,
	}, nil
}

func (s *httpTileSource) tilePath(t Tile) string {
	return filepath.Join(s.cacheDir, s.style.Name, strconv.Itoa(t.Z), strconv.Itoa(t.X), strconv.Itoa(t.Y)+".png")
}

func (s *httpTileSource) tileURL(t Tile) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(t.Z),
		"{x}", strconv.Itoa(t.X),
		"{y}", strconv.Itoa(t.Y),
		"{apikey}", s.apiKey,
	)
	return r.Replace(s.style.URL)
}

func (s *httpTileSource) Tile(ctx context.Context, t Tile) (image.Image, error) {
	key := t.String()
	if img, ok := s.cache.Get(key); ok {
		return img, nil
	}
	if err := s.recentFailure(key); err != nil {
		return nil, err
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		if img, ok := s.cache.Get(key); ok {
			return img, nil
		}
		img, err := s.readCached(t)
		if err != nil {
			img, err = s.download(ctx, t)
			if err != nil {
				s.rememberFailure(ctx, key, err)
				return nil, err
			}
			if err := s.writeCached(t, img); err != nil {
				s.logger.Warn("could not cache tile on disk", zap.Stringer("tile", t), zap.Error(err))
			}
		}
		s.failures.Delete(key)
		s.cache.Add(key, img)
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(image.Image), nil
}

// recentFailure returns the remembered error for key while it is still valid.
func (s *httpTileSource) recentFailure(key string) error {
	v, ok := s.failures.Load(key)
	if !ok {
		return nil
	}
	f := v.(tileFailure)
	if !f.until.IsZero() && time.Now().After(f.until) {
		s.failures.Delete(key)
		return nil
	}
	return fmt.Errorf("tile %s failed recently: %w", key, f.err)
}

// rememberFailure records a failed download so later frames skip the tile.
// Missing tiles are remembered for the whole run, other errors for failureTTL.
// Failures caused by cancellation are not recorded.
func (s *httpTileSource) rememberFailure(ctx context.Context, key string, err error) {
	if ctx.Err() != nil {
		return
	}
	f := tileFailure{err: err}
	if !errors.Is(err, errTileNotFound) {
		f.until = time.Now().Add(s.failureTTL)
	}
	s.failures.Store(key, f)
}

func (s *httpTileSource) readCached(t Tile) (image.Image, error) {
	if s.cacheDir == "" {
		return nil, errTileNotFound
	}
	file, err := os.Open(s.tilePath(t))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	img, _, err := image.Decode(file)
	return img, err
}

func (s *httpTileSource) writeCached(t Tile, img image.Image) error {
	if s.cacheDir == "" {
		return nil
	}
	path := s.tilePath(t)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(out, img); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (s *httpTileSource) download(ctx context.Context, t Tile) (image.Image, error) {
	url := s.tileURL(t)
	var img image.Image

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", "GpxCinematicGo/0.1")
		for k, v := range s.style.Headers {
			req.Header.Set(k, v)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to download tile %s: %w", t, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(fmt.Errorf("%w: %s", errTileNotFound, t))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("failed to download tile %s: status %d", t, resp.StatusCode)
		}

		decoded, _, err := image.Decode(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("decode tile %s: %w", t, err))
		}
		img = decoded
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), s.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		s.logger.Debug("retrying tile download", zap.Stringer("tile", t), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return img, nil
}
