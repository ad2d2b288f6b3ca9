package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// ParamsFileName is the detector parameter file looked up in the config
// directory.
const ParamsFileName = "process.toml"

const (
	DefaultDecimation        = 16.0
	DefaultSharpening        = 8.0
	DefaultMinDecisionMargin = 1150.0
	DefaultNetworkAddr       = "127.0.0.1"
	DefaultNetworkPort       = 5810
)

// KnownFamilies lists the tag families a detector backend may register.
var KnownFamilies = map[string]bool{
	"tag16h5":          true,
	"tag25h9":          true,
	"tag36h10":         true,
	"tag36h11":         true,
	"tagCircle21h7":    true,
	"tagCircle49h12":   true,
	"tagCustom48h12":   true,
	"tagStandard41h12": true,
	"tagStandard52h13": true,
}

// DetectorParameters is loaded once at startup and treated as read-only
// afterwards. It is shared by the detector and the telemetry publisher.
type DetectorParameters struct {
	Families          []string `toml:"families"`
	MinDecisionMargin float64  `toml:"min_decision_margin"`
	NetworkAddr       string   `toml:"network_table_addr"`
	NetworkPort       int      `toml:"network_table_port"`
	CameraIndex       int      `toml:"camera_index"`
	Tuning            Tuning   `toml:"cli"`
}

// Tuning holds the values that may also be overridden from the command line.
// The colour and aspect bounds are kept for file compatibility and are not
// used by target selection.
type Tuning struct {
	Decimation float64 `toml:"decimation"`
	Sharpening float64 `toml:"sharpening"`
	RMin       int     `toml:"rmin"`
	RMax       int     `toml:"rmax"`
	GMin       int     `toml:"gmin"`
	GMax       int     `toml:"gmax"`
	BMin       int     `toml:"bmin"`
	BMax       int     `toml:"bmax"`
	AspectMin  float64 `toml:"aspect_min"`
	AspectMax  float64 `toml:"aspect_max"`
}

func DefaultParameters() DetectorParameters {
	return DetectorParameters{
		Families:          []string{"tag36h11"},
		MinDecisionMargin: DefaultMinDecisionMargin,
		NetworkAddr:       DefaultNetworkAddr,
		NetworkPort:       DefaultNetworkPort,
		Tuning: Tuning{
			Decimation: DefaultDecimation,
			Sharpening: DefaultSharpening,
			RMax:       255,
			GMax:       255,
			BMax:       255,
			AspectMin:  0.5,
			AspectMax:  2.0,
		},
	}
}

// LoadParameters reads a TOML parameter file. Keys missing from the file
// keep their defaults; unknown keys are an error.
func LoadParameters(path string) (DetectorParameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DetectorParameters{}, fmt.Errorf("failed to read parameters: %w", err)
	}
	return ParseParameters(string(data))
}

func ParseParameters(data string) (DetectorParameters, error) {
	params := DefaultParameters()
	md, err := toml.Decode(data, &params)
	if err != nil {
		return DetectorParameters{}, fmt.Errorf("failed to parse parameters: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return DetectorParameters{}, fmt.Errorf("unknown parameter keys: %s", strings.Join(keys, ", "))
	}
	if err := params.Validate(); err != nil {
		return DetectorParameters{}, fmt.Errorf("invalid parameters: %w", err)
	}
	return params, nil
}

// Encode writes the parameters in the same TOML layout LoadParameters reads.
func (p DetectorParameters) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(p)
}

func (p DetectorParameters) Validate() error {
	var errs []error
	if len(p.Families) == 0 {
		errs = append(errs, errors.New("at least one tag family is required"))
	}
	seen := make(map[string]bool, len(p.Families))
	for _, f := range p.Families {
		if !KnownFamilies[f] {
			errs = append(errs, fmt.Errorf("unknown tag family %q", f))
		}
		if seen[f] {
			errs = append(errs, fmt.Errorf("duplicate tag family %q", f))
		}
		seen[f] = true
	}
	if p.Tuning.Decimation < 1 {
		errs = append(errs, fmt.Errorf("decimation must be >= 1, got %v", p.Tuning.Decimation))
	}
	if p.Tuning.Sharpening < 0 {
		errs = append(errs, fmt.Errorf("sharpening must be >= 0, got %v", p.Tuning.Sharpening))
	}
	if p.MinDecisionMargin < 0 {
		errs = append(errs, fmt.Errorf("min_decision_margin must be >= 0, got %v", p.MinDecisionMargin))
	}
	if strings.TrimSpace(p.NetworkAddr) == "" {
		errs = append(errs, errors.New("network_table_addr is required"))
	}
	if p.NetworkPort < 1 || p.NetworkPort > 65535 {
		errs = append(errs, fmt.Errorf("network_table_port out of range: %d", p.NetworkPort))
	}
	if p.CameraIndex < 0 {
		errs = append(errs, fmt.Errorf("camera_index must be >= 0, got %d", p.CameraIndex))
	}
	for _, b := range []struct {
		name     string
		min, max int
	}{
		{"r", p.Tuning.RMin, p.Tuning.RMax},
		{"g", p.Tuning.GMin, p.Tuning.GMax},
		{"b", p.Tuning.BMin, p.Tuning.BMax},
	} {
		if b.min < 0 || b.max > 255 || b.min > b.max {
			errs = append(errs, fmt.Errorf("%s bounds invalid: [%d, %d]", b.name, b.min, b.max))
		}
	}
	if p.Tuning.AspectMin > p.Tuning.AspectMax {
		errs = append(errs, fmt.Errorf("aspect bounds invalid: [%v, %v]", p.Tuning.AspectMin, p.Tuning.AspectMax))
	}
	return errors.Join(errs...)
}

// WithOverrides returns a copy with any non-nil command line override
// applied.
func (p DetectorParameters) WithOverrides(sharpening, decimation *float64) (DetectorParameters, error) {
	out := p
	out.Families = append([]string(nil), p.Families...)
	if sharpening != nil {
		out.Tuning.Sharpening = *sharpening
	}
	if decimation != nil {
		out.Tuning.Decimation = *decimation
	}
	if err := out.Validate(); err != nil {
		return DetectorParameters{}, err
	}
	return out, nil
}

// Endpoint is the telemetry bus address.
func (p DetectorParameters) Endpoint() string {
	return fmt.Sprintf("tcp://%s:%d", p.NetworkAddr, p.NetworkPort)
}
