// Package telemetry publishes per-frame vision results to the robot's
// message bus and listens for the vision enable switch.
package telemetry

import (
	"context"

	"tag-vision-go/internal/types"
)

const (
	TopicDetection = "Vision/Detection"
	TopicID        = "Vision/AprilTag/ID"
	TopicTMatrix   = "Vision/AprilTag/TMatrix"
	TopicRotation  = "Vision/AprilTag/Rotation"
	TopicEnable    = "Vision/Enable"
)

// Bus is a topic/value message bus. Publish must return once ctx is done.
type Bus interface {
	Publish(ctx context.Context, topic string, value any) error
	Close() error
}

type Update struct {
	Topic string
	Value any
}

// Updates maps a message onto its topic writes. A frame without targets
// only clears the detection state; the last target values stay on the bus.
func Updates(msg types.VisionMessage) []Update {
	switch m := msg.(type) {
	case types.NoTargets:
		return []Update{{Topic: TopicDetection, Value: types.DetectionNone}}
	case types.Target:
		return []Update{
			{Topic: TopicDetection, Value: types.DetectionTarget},
			{Topic: TopicID, Value: m.ID},
			{Topic: TopicTMatrix, Value: m.Translation[:]},
			{Topic: TopicRotation, Value: m.Rotation},
		}
	default:
		return nil
	}
}
