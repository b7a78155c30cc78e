package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/paulmach/orb"
	"go.uber.org/zap"
)

type Stage int

const (
	StageInit Stage = iota
	StageSampling
	StageRendering
	StageAssembling
	StageCleanup
	StageDone
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageSampling:
		return "sampling"
	case StageRendering:
		return "rendering"
	case StageAssembling:
		return "assembling"
	case StageCleanup:
		return "cleanup"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Track is the sampled track with everything derived from it.
type Track struct {
	Samples []GeoSample
	Points  []orb.Point
	Metrics []FrameMetrics
}

func buildTrack(samples []GeoSample, stride int) (*Track, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyTrack
	}
	sampled := sampleTrack(samples, stride)
	points, err := projectTrack(sampled)
	if err != nil {
		return nil, err
	}
	return &Track{
		Samples: sampled,
		Points:  points,
		Metrics: computeMetrics(points, sampled),
	}, nil
}

type Pipeline struct {
	Args     *Arguments
	Composer *frameComposer
	Encoder  VideoEncoder
	NewStore func() (FrameStore, error)
	Logger   *zap.Logger

	mu    sync.Mutex
	stage Stage
}

func (p *Pipeline) Stage() Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

func (p *Pipeline) setStage(s Stage) {
	p.mu.Lock()
	p.stage = s
	p.mu.Unlock()
	p.Logger.Debug("pipeline stage", zap.Stringer("stage", s))
}

// Run takes raw samples through sampling, rendering and assembly. The frame
// store is removed before Run returns whenever it was created.
func (p *Pipeline) Run(ctx context.Context, samples []GeoSample) (err error) {
	p.setStage(StageInit)
	if len(samples) == 0 {
		p.setStage(StageFailed)
		return ErrEmptyTrack
	}

	store, err := p.NewStore()
	if err != nil {
		p.setStage(StageFailed)
		return err
	}
	defer func() {
		p.setStage(StageCleanup)
		if cerr := store.Clear(); cerr != nil {
			p.Logger.Error("failed to remove frame storage", zap.Error(cerr))
			if err == nil {
				err = fmt.Errorf("remove frame storage: %w", cerr)
			}
		}
		if err != nil {
			p.setStage(StageFailed)
			return
		}
		p.setStage(StageDone)
	}()

	p.setStage(StageSampling)
	track, err := buildTrack(samples, p.Args.SampleStride)
	if err != nil {
		return err
	}
	p.Logger.Info("track sampled",
		zap.Int("points", len(samples)),
		zap.Int("sampled", len(track.Points)),
		zap.Int("stride", p.Args.SampleStride))

	p.setStage(StageRendering)
	bar := newProgressBar(len(track.Points)-1, "Rendering", p.Args.Quiet)
	count, err := renderFrames(ctx, track, p.Composer, store, p.Args.Workers, bar)
	bar.Finish()
	if err != nil {
		return fmt.Errorf("render frames: %w", err)
	}

	p.setStage(StageAssembling)
	bar = newProgressBar(count, "Encoding", p.Args.Quiet)
	err = assembleVideo(ctx, store, count, p.Args.Framerate, p.Encoder, p.Args.OutputFile, bar)
	bar.Finish()
	if err != nil {
		return fmt.Errorf("assemble video: %w", err)
	}
	p.Logger.Info("video assembled", zap.Int("frames", count), zap.String("output", p.Args.OutputFile))
	return nil
}
