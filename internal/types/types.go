package types

import (
	"image"
	"time"
)

// Frame is one camera image as handed from a source to the pipeline.
// Image must not be modified after the frame is emitted.
type Frame struct {
	ID       uint64
	Camera   int
	Captured time.Time
	Image    *image.RGBA
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Pose is a marker pose in the camera frame: x right, y down, z forward.
// Rotation is row-major.
type Pose struct {
	Translation [3]float64
	Rotation    [9]float64
	Error       float64
}

// Candidate is a single marker detection. Candidates live for one frame.
type Candidate struct {
	ID             int
	Family         string
	Corners        [4]Point
	Center         Point
	DecisionMargin float64
	Pose           *Pose
}

// Bounds returns the axis-aligned box around the corners.
func (c Candidate) Bounds() (minX, minY, maxX, maxY float64) {
	minX, maxX = c.Corners[0].X, c.Corners[0].X
	minY, maxY = c.Corners[0].Y, c.Corners[0].Y
	for _, p := range c.Corners[1:] {
		if p.X < minX {
			minX = p.X
		}
		if p.X > maxX {
			maxX = p.X
		}
		if p.Y < minY {
			minY = p.Y
		}
		if p.Y > maxY {
			maxY = p.Y
		}
	}
	return minX, minY, maxX, maxY
}

// SelectedTarget is the closest valid candidate of a frame.
// Translation is (forward, lateral, vertical).
type SelectedTarget struct {
	ID          int
	Translation [3]float64
	Rotation    float64
	Distance    float64
}

func (t SelectedTarget) Message() VisionMessage {
	return Target{
		ID:          t.ID,
		Translation: t.Translation,
		Rotation:    t.Rotation,
	}
}

// Preview is a frame handed to the preview sink, optionally annotated
// with the detections of that frame. Image must not be modified.
type Preview struct {
	FrameID  uint64
	Captured time.Time
	Image    *image.RGBA
	Message  VisionMessage
}
