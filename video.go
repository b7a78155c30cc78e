package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"

	"github.com/fogleman/gg"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

var ErrEmptyFrameSequence = errors.New("no frames to assemble")

// VideoEncoder opens a sink for frames of a fixed size and rate.
type VideoEncoder interface {
	Open(path string, width, height int, fps float64) (FrameWriter, error)
}

type FrameWriter interface {
	WriteFrame(img image.Image) error
	Close() error
}

// --- FFMPEG ---

type ffmpegEncoder struct {
	Binary  string
	Codec   string
	Bitrate string
	Stderr  io.Writer
}

func (e *ffmpegEncoder) args(path string, fps float64) []string {
	rate := strconv.FormatFloat(fps, 'f', -1, 64)
	args := []string{"-y", "-loglevel", "error",
		"-f", "image2pipe", "-vcodec", "png", "-r", rate, "-i", "-",
		"-c:v", e.Codec}
	if e.Bitrate != "" {
		args = append(args, "-b:v", e.Bitrate)
	}
	// yuv420p needs even dimensions.
	args = append(args, "-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2", "-pix_fmt", "yuv420p", "-r", rate, path)
	return args
}

func (e *ffmpegEncoder) Open(path string, width, height int, fps float64) (FrameWriter, error) {
	cmd := exec.Command(e.Binary, e.args(path, fps)...)
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get ffmpeg stdin pipe: %w", err)
	}
	cmd.Stderr = e.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	return &ffmpegWriter{cmd: cmd, in: in}, nil
}

type ffmpegWriter struct {
	cmd *exec.Cmd
	in  io.WriteCloser
}

func (w *ffmpegWriter) WriteFrame(img image.Image) error {
	return frameEncoder.Encode(w.in, img)
}

func (w *ffmpegWriter) Close() error {
	closeErr := w.in.Close()
	if err := w.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg command failed: %w", err)
	}
	return closeErr
}

// --- Video Pipeline ---

// renderFrames renders indices 1..len-1 into the store with at most workers
// goroutines. Cancellation is checked before each frame.
func renderFrames(ctx context.Context, track *Track, composer *frameComposer, store FrameStore, workers int, bar *progressbar.ProgressBar) (int, error) {
	total := len(track.Points) - 1
	if total <= 0 {
		return 0, nil
	}
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 1; i <= total; i++ {
		if gctx.Err() != nil {
			break
		}
		frameNum := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img := composer.Compose(gctx, track, frameNum)
			if err := store.Put(frameNum, img); err != nil {
				return fmt.Errorf("store frame %d: %w", frameNum, err)
			}
			bar.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return total, nil
}

// assembleVideo streams frames 1..count from the store to the encoder in
// index order. The frame size comes from the first stored frame.
func assembleVideo(ctx context.Context, store FrameStore, count int, fps float64, encoder VideoEncoder, output string, bar *progressbar.ProgressBar) (err error) {
	if count <= 0 {
		return ErrEmptyFrameSequence
	}

	first, err := store.Get(1)
	if err != nil {
		return err
	}
	width, height := first.Bounds().Dx(), first.Bounds().Dy()

	w, err := encoder.Open(output, width, height, fps)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for i := 1; i <= count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		img := first
		if i > 1 {
			if img, err = store.Get(i); err != nil {
				return err
			}
		}
		if err := w.WriteFrame(fitFrame(img, width, height)); err != nil {
			return fmt.Errorf("error writing frame %d: %w", i, err)
		}
		bar.Add(1)
	}
	return nil
}

// fitFrame pads or crops img to width x height.
func fitFrame(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	dc := gg.NewContext(width, height)
	dc.DrawImage(img, -b.Min.X, -b.Min.Y)
	return dc.Image()
}
