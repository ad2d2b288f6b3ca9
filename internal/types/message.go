package types

// VisionMessage is the per-frame result handed to telemetry.
// The set of variants is closed: NoTargets and Target.
type VisionMessage interface {
	visionMessage()
}

type NoTargets struct{}

type Target struct {
	ID          int        `cbor:"id" json:"id"`
	Translation [3]float64 `cbor:"translation" json:"translation"`
	Rotation    float64    `cbor:"rotation" json:"rotation"`
}

func (NoTargets) visionMessage() {}
func (Target) visionMessage()    {}

// Detection states published on the detection topic.
const (
	DetectionNone      = 0
	DetectionTarget    = 1
	DetectionAlternate = 2
)

// DetectionState maps a message onto the detection-state topic value.
func DetectionState(msg VisionMessage) int {
	switch msg.(type) {
	case Target:
		return DetectionTarget
	default:
		return DetectionNone
	}
}

// Record is the serialisable form of a VisionMessage used by the raw log.
type Record struct {
	Kind        string     `cbor:"kind" json:"kind"`
	ID          int        `cbor:"id,omitempty" json:"id,omitempty"`
	Translation [3]float64 `cbor:"translation" json:"translation"`
	Rotation    float64    `cbor:"rotation,omitempty" json:"rotation,omitempty"`
}

func RecordOf(msg VisionMessage) Record {
	switch m := msg.(type) {
	case Target:
		return Record{Kind: "target", ID: m.ID, Translation: m.Translation, Rotation: m.Rotation}
	default:
		return Record{Kind: "no_targets"}
	}
}

func (r Record) Message() VisionMessage {
	if r.Kind == "target" {
		return Target{ID: r.ID, Translation: r.Translation, Rotation: r.Rotation}
	}
	return NoTargets{}
}
