package main

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// ErrUsage marks errors caused by bad command-line or config input. They are
// reported before any processing starts.
var ErrUsage = errors.New("usage error")

// --- Structs ---

type Arguments struct {
	GpxFile      string  `yaml:"gpx" validate:"required"`
	OutputFile   string  `yaml:"output" validate:"required"`
	SampleStride int     `yaml:"sample" validate:"gte=1"`
	Framerate    float64 `yaml:"fps" validate:"gt=0"`
	WindowSize   float64 `yaml:"windowsize" validate:"gt=0"`
	Resolution   string  `yaml:"resolution" validate:"required"`
	MapStyle     string  `yaml:"style" validate:"required"`
	MapZoom      int     `yaml:"zoom" validate:"gte=0,lte=22"`
	PathWidth    float64 `yaml:"path_width" validate:"gt=0"`
	PathColorHex string  `yaml:"path_color" validate:"hexcolor"`
	Rotation     float64 `yaml:"rotate"`
	Workers      int     `yaml:"workers" validate:"gte=1"`
	Codec        string  `yaml:"codec" validate:"required"`
	Bitrate      string  `yaml:"bitrate"`
	FrameStore   string  `yaml:"frame_store" validate:"oneof=disk memory"`
	TileCacheDir string  `yaml:"tile_cache"`
	Prefetch     bool    `yaml:"prefetch"`

	ConfigFile       string `yaml:"-"`
	RenderFirstFrame bool   `yaml:"-"`
	Debug            bool   `yaml:"-"`
	Quiet            bool   `yaml:"-"`

	// Derived by validate.
	VideoWidth  int         `yaml:"-"`
	VideoHeight int         `yaml:"-"`
	PathColor   color.Color `yaml:"-"`
}

func defaultArguments() *Arguments {
	return &Arguments{
		OutputFile:   "gpx_cinematic_overlay.mp4",
		SampleStride: 3,
		Framerate:    30,
		WindowSize:   1000,
		Resolution:   "1920x1080",
		MapStyle:     "esri",
		MapZoom:      17,
		PathWidth:    2,
		PathColorHex: "#FF0000",
		Workers:      runtime.NumCPU(),
		Codec:        "mpeg4",
		FrameStore:   "disk",
		TileCacheDir: "tiles",
	}
}

// --- Argument Parsing ---

func newRootCommand(run func(cmd *cobra.Command, args *Arguments) error) *cobra.Command {
	args := defaultArguments()

	cmd := &cobra.Command{
		Use:           "gpx-cinematic",
		Short:         "Render a GPS track into a map-following overlay video",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, positional []string) error {
			if err := cobra.NoArgs(cmd, positional); err != nil {
				return fmt.Errorf("%w: %v", ErrUsage, err)
			}
			return nil
		},
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			if args.ConfigFile != "" {
				if err := loadConfigFile(cmd.Flags(), args.ConfigFile, args); err != nil {
					return err
				}
			}
			return args.validate()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, args)
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	})

	f := cmd.Flags()
	f.StringVar(&args.GpxFile, "gpx", args.GpxFile, "Path to the input GPX (or GeoJSON) track.")
	f.StringVarP(&args.OutputFile, "output", "o", args.OutputFile, "Output video file name.")
	f.IntVar(&args.SampleStride, "sample", args.SampleStride, "Sample every Nth point.")
	f.Float64Var(&args.Framerate, "fps", args.Framerate, "Frames per second of the output video.")
	f.Float64Var(&args.WindowSize, "windowsize", args.WindowSize, "Half size of the map window in meters.")
	f.StringVar(&args.Resolution, "resolution", args.Resolution, "Video resolution WIDTHxHEIGHT (e.g. 1080x1920 for portrait).")
	f.StringVar(&args.MapStyle, "style", args.MapStyle, "Basemap style (esri, default, cyclosm, positron, thunderforest).")
	f.IntVar(&args.MapZoom, "zoom", args.MapZoom, "Basemap tile zoom level.")
	f.Float64Var(&args.PathWidth, "path-width", args.PathWidth, "Width of the drawn path in pixels.")
	f.StringVar(&args.PathColorHex, "path-color", args.PathColorHex, "Color of the drawn path (hex).")
	f.Float64Var(&args.Rotation, "rotate", args.Rotation, "Rotate frames counter-clockwise by this many degrees.")
	f.IntVar(&args.Workers, "workers", args.Workers, "Number of parallel workers for frame generation.")
	f.StringVar(&args.Codec, "codec", args.Codec, "ffmpeg video codec.")
	f.StringVar(&args.Bitrate, "bitrate", args.Bitrate, "Video bitrate (e.g. 5M); empty leaves it to ffmpeg.")
	f.StringVar(&args.FrameStore, "frame-store", args.FrameStore, "Where rendered frames wait for encoding (disk, memory).")
	f.StringVar(&args.TileCacheDir, "tile-cache", args.TileCacheDir, "Directory for cached map tiles; empty disables the disk cache.")
	f.BoolVar(&args.Prefetch, "prefetch", args.Prefetch, "Download every needed tile before rendering.")
	f.StringVar(&args.ConfigFile, "config", "", "YAML file with default values for these options.")
	f.BoolVar(&args.RenderFirstFrame, "render-first-frame", false, "Render only the first frame and save it as first_frame.png.")
	f.BoolVar(&args.Debug, "debug", false, "Print per-point metrics instead of rendering.")
	f.BoolVarP(&args.Quiet, "quiet", "q", false, "Disable progress bars and informational logs.")

	return cmd
}

// loadConfigFile applies a YAML file on top of args. Flags given explicitly on
// the command line keep their values.
func loadConfigFile(flags *pflag.FlagSet, path string, args *Arguments) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}

	changed := make(map[string]string)
	flags.Visit(func(f *pflag.Flag) {
		changed[f.Name] = f.Value.String()
	})

	if err := yaml.Unmarshal(data, args); err != nil {
		return fmt.Errorf("%w: config %s: %v", ErrUsage, path, err)
	}

	for name, value := range changed {
		if err := flags.Set(name, value); err != nil {
			return fmt.Errorf("%w: %v", ErrUsage, err)
		}
	}
	return nil
}

var argValidator = validator.New()

func (a *Arguments) validate() error {
	width, height, err := parseResolution(a.Resolution)
	if err != nil {
		return err
	}
	a.VideoWidth, a.VideoHeight = width, height

	if err := argValidator.Struct(a); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if _, ok := mapStyles[a.MapStyle]; !ok {
		return fmt.Errorf("%w: invalid map style %q", ErrUsage, a.MapStyle)
	}

	a.PathColor, err = parseHexColor(a.PathColorHex)
	if err != nil {
		return fmt.Errorf("%w: path color: %v", ErrUsage, err)
	}
	return nil
}

// parseResolution parses WIDTHxHEIGHT into two positive integers.
func parseResolution(s string) (int, int, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: invalid resolution %q, use WIDTHxHEIGHT (e.g. 1920x1080)", ErrUsage, s)
	}
	width, errW := strconv.Atoi(parts[0])
	height, errH := strconv.Atoi(parts[1])
	if errW != nil || errH != nil || width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("%w: invalid resolution %q, use WIDTHxHEIGHT (e.g. 1920x1080)", ErrUsage, s)
	}
	return width, height, nil
}

func parseHexColor(s string) (color.Color, error) {
	var r, g, b uint8
	_, err := fmt.Sscanf(s, "#%02x%02x%02x", &r, &g, &b)
	if err != nil {
		return color.Black, err
	}
	return color.RGBA{R: r, G: g, B: b, A: 255}, nil
}

// --- Ambient ---

func newLogger(args *Arguments) (*zap.Logger, error) {
	if args.Debug {
		return zap.NewDevelopment()
	}
	config := zap.NewDevelopmentConfig()
	config.DisableStacktrace = true
	config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if args.Quiet {
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	return config.Build()
}

func newProgressBar(max int, description string, quiet bool) *progressbar.ProgressBar {
	if quiet {
		return progressbar.DefaultSilent(int64(max), description)
	}
	return progressbar.Default(int64(max), description)
}
