package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/image/font/gofont/gobold"
)

// --- Main Logic ---

func main() {
	// A missing .env is fine; it only carries optional tile API keys.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand(run)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, ErrUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args *Arguments) error {
	ctx := cmd.Context()

	logger, err := newLogger(args)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("run", uuid.NewString()))

	samples, err := parseTrack(args.GpxFile)
	if err != nil {
		return err
	}
	logger.Info("track loaded", zap.String("file", args.GpxFile), zap.Int("points", len(samples)))

	if args.Debug {
		track, err := buildTrack(samples, args.SampleStride)
		if err != nil {
			return err
		}
		printTrackDebug(cmd.OutOrStdout(), track)
		return nil
	}

	font, err := truetype.Parse(gobold.TTF)
	if err != nil {
		return err
	}
	tiles, err := newHTTPTileSource(args.MapStyle, args.TileCacheDir, logger)
	if err != nil {
		return err
	}
	renderer := newMapRenderer(args, tiles, logger)
	composer := &frameComposer{
		renderer:   renderer,
		overlay:    newOverlay(font),
		windowSize: args.WindowSize,
		rotation:   args.Rotation,
	}

	if args.RenderFirstFrame {
		return renderFirstFrame(ctx, samples, args, composer, logger)
	}

	if args.Prefetch {
		track, err := buildTrack(samples, args.SampleStride)
		if err != nil {
			return err
		}
		allTiles := getAllTilesForTrack(track, renderer, args.WindowSize)
		bar := newProgressBar(len(allTiles), "Downloading Tiles", args.Quiet)
		if err := prefetchTiles(ctx, tiles, allTiles, bar, logger); err != nil {
			return err
		}
	}

	pipeline := &Pipeline{
		Args:     args,
		Composer: composer,
		Encoder: &ffmpegEncoder{
			Binary:  "ffmpeg",
			Codec:   args.Codec,
			Bitrate: args.Bitrate,
			Stderr:  os.Stderr,
		},
		NewStore: func() (FrameStore, error) { return newFrameStore(args.FrameStore, "") },
		Logger:   logger,
	}
	if err := pipeline.Run(ctx, samples); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nVideo saved to %s\n", args.OutputFile)
	return nil
}

func renderFirstFrame(ctx context.Context, samples []GeoSample, args *Arguments, composer *frameComposer, logger *zap.Logger) error {
	track, err := buildTrack(samples, args.SampleStride)
	if err != nil {
		return err
	}
	if len(track.Points) < 2 {
		return ErrEmptyFrameSequence
	}
	logger.Info("Rendering first frame only...")
	img := composer.Compose(ctx, track, 1)
	if err := gg.SavePNG("first_frame.png", img); err != nil {
		return err
	}
	logger.Info("Saved first_frame.png")
	return nil
}

func printTrackDebug(w io.Writer, track *Track) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Point\tX\tY\tDist (km)\tSpeed (km/h)\tElapsed\tTime fallback")
	for i, m := range track.Metrics {
		p := track.Points[i]
		fmt.Fprintf(tw, "%d\t%.1f\t%.1f\t%.3f\t%.2f\t%s\t%v\n",
			i, p[0], p[1], m.DistanceM/1000, m.SpeedKph, formatElapsed(m.ElapsedS), m.TimeFallback)
	}
	tw.Flush()
}
