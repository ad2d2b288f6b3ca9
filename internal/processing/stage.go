package processing

import (
	"context"
	"image"
	"log"
	"sync/atomic"
	"time"

	"tag-vision-go/internal/detector"
	"tag-vision-go/internal/pose"
	"tag-vision-go/internal/types"
)

// Detector is the part of detector.Detector the stage uses.
type Detector interface {
	Detect(gray *image.Gray) ([]types.Candidate, error)
}

type Stats struct {
	Processed      atomic.Uint64
	Disabled       atomic.Uint64
	DetectErrors   atomic.Uint64
	Targets        atomic.Uint64
	NoTargets      atomic.Uint64
	Rejected       atomic.Uint64
	TelemetryDrops atomic.Uint64
	PreviewDrops   atomic.Uint64
	DetectCount    atomic.Uint64
	DetectNanos    atomic.Uint64
}

func (s *Stats) Snapshot() map[string]any {
	return map[string]any{
		"frames_processed_total": s.Processed.Load(),
		"frames_disabled_total":  s.Disabled.Load(),
		"detect_errors_total":    s.DetectErrors.Load(),
		"targets_total":          s.Targets.Load(),
		"no_targets_total":       s.NoTargets.Load(),
		"candidates_rejected":    s.Rejected.Load(),
		"telemetry_drops_total":  s.TelemetryDrops.Load(),
		"preview_drops_total":    s.PreviewDrops.Load(),
		"detect_total":           s.DetectCount.Load(),
		"detect_nanos_total":     s.DetectNanos.Load(),
	}
}

// Stage is the detection and selection loop. It owns Telemetry and
// Preview and closes them when it returns.
type Stage struct {
	Frames    <-chan types.Frame
	Detector  Detector
	TagParams pose.TagParams
	MinMargin float64

	// Enabled gates detection; nil means always enabled.
	Enabled func() bool

	Telemetry chan<- types.VisionMessage
	Preview   chan<- types.Preview
	Stats     *Stats
	LogEvery  int
}

// Run processes frames until Frames is closed or ctx is done. Receiving a
// frame is the only blocking step.
func (s *Stage) Run(ctx context.Context) error {
	if s.Stats == nil {
		s.Stats = &Stats{}
	}
	if s.Telemetry != nil {
		defer close(s.Telemetry)
	}
	if s.Preview != nil {
		defer close(s.Preview)
	}

	logs := newLogEveryN(s.LogEvery)
	for {
		var (
			frame types.Frame
			ok    bool
		)
		select {
		case <-ctx.Done():
			return nil
		case frame, ok = <-s.Frames:
			if !ok {
				return nil
			}
		}
		s.process(frame, logs)
	}
}

func (s *Stage) process(frame types.Frame, logs *logEveryN) {
	if frame.Image == nil {
		return
	}
	if s.Enabled != nil && !s.Enabled() {
		s.Stats.Disabled.Add(1)
		s.sendPreview(types.Preview{FrameID: frame.ID, Captured: frame.Captured, Image: frame.Image})
		return
	}

	start := time.Now()
	cands, err := s.Detector.Detect(detector.Grayscale(frame.Image))
	s.Stats.DetectCount.Add(1)
	s.Stats.DetectNanos.Add(uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		s.Stats.DetectErrors.Add(1)
		logs.printf("detect frame %d: %v", frame.ID, err)
		return
	}

	msg, eval := Select(cands, s.TagParams, s.MinMargin)
	s.Stats.Processed.Add(1)
	s.Stats.Rejected.Add(uint64(len(eval.Candidates) - eval.Count(Accepted)))
	if _, ok := msg.(types.Target); ok {
		s.Stats.Targets.Add(1)
	} else {
		s.Stats.NoTargets.Add(1)
	}

	if s.Telemetry != nil {
		select {
		case s.Telemetry <- msg:
		default:
			s.Stats.TelemetryDrops.Add(1)
		}
	}

	if s.Preview != nil && len(s.Preview) < cap(s.Preview) {
		s.sendPreview(types.Preview{
			FrameID:  frame.ID,
			Captured: frame.Captured,
			Image:    Annotate(frame.Image, eval),
			Message:  msg,
		})
	} else if s.Preview != nil {
		s.Stats.PreviewDrops.Add(1)
	}
}

func (s *Stage) sendPreview(p types.Preview) {
	if s.Preview == nil {
		return
	}
	select {
	case s.Preview <- p:
	default:
		s.Stats.PreviewDrops.Add(1)
	}
}

type logEveryN struct {
	n     uint64
	count uint64
}

func newLogEveryN(n int) *logEveryN {
	if n < 1 {
		n = 1
	}
	return &logEveryN{n: uint64(n)}
}

func (l *logEveryN) printf(format string, args ...any) {
	l.count++
	if l.count%l.n == 1 || l.n == 1 {
		log.Printf(format, args...)
	}
}
