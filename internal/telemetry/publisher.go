package telemetry

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"tag-vision-go/internal/types"
)

// Recorder receives every message handed to the publisher.
type Recorder interface {
	Record(msg types.VisionMessage) error
}

type Stats struct {
	Messages   atomic.Uint64
	PublishOK  atomic.Uint64
	PublishErr atomic.Uint64
	RecordErr  atomic.Uint64
}

func (s *Stats) Snapshot() map[string]any {
	return map[string]any{
		"telemetry_messages_total":    s.Messages.Load(),
		"telemetry_publish_ok_total":  s.PublishOK.Load(),
		"telemetry_publish_err_total": s.PublishErr.Load(),
		"telemetry_record_err_total":  s.RecordErr.Load(),
	}
}

type Publisher struct {
	Bus            Bus
	PublishTimeout time.Duration
	Recorder       Recorder
	Stats          *Stats
	LogEvery       int
}

// Run publishes every message from in until in is closed. Publish
// failures are counted and logged but never stop the loop.
func (p *Publisher) Run(ctx context.Context, in <-chan types.VisionMessage) {
	if p.Stats == nil {
		p.Stats = &Stats{}
	}
	timeout := p.PublishTimeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	every := p.LogEvery
	if every < 1 {
		every = 1
	}
	var failures uint64

	for msg := range in {
		p.Stats.Messages.Add(1)
		if p.Recorder != nil {
			if err := p.Recorder.Record(msg); err != nil {
				p.Stats.RecordErr.Add(1)
				log.Printf("telemetry record failed: %v", err)
			}
		}
		for _, u := range Updates(msg) {
			pubCtx, cancel := context.WithTimeout(ctx, timeout)
			err := p.Bus.Publish(pubCtx, u.Topic, u.Value)
			cancel()
			if err != nil {
				p.Stats.PublishErr.Add(1)
				failures++
				if failures%uint64(every) == 1 || every == 1 {
					log.Printf("telemetry publish %s failed: %v", u.Topic, err)
				}
				continue
			}
			p.Stats.PublishOK.Add(1)
		}
	}
}
