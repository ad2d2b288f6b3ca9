package config

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadParameters(t *testing.T) {
	params, err := LoadParameters("testdata/process.toml")
	require.NoError(t, err)

	assert.Equal(t, []string{"tag36h11", "tag16h5"}, params.Families)
	assert.Equal(t, 1, params.CameraIndex)
	assert.Equal(t, 16.0, params.Tuning.Decimation)
	assert.Equal(t, 8.0, params.Tuning.Sharpening)
	assert.Equal(t, 120, params.Tuning.BMax)
	assert.Equal(t, "tcp://10.12.34.2:5810", params.Endpoint())
}

func TestParametersRoundTrip(t *testing.T) {
	params, err := LoadParameters("testdata/process.toml")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, params.Encode(&buf))

	reloaded, err := ParseParameters(buf.String())
	require.NoError(t, err)
	if diff := cmp.Diff(params, reloaded); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseParametersDefaults(t *testing.T) {
	params, err := ParseParameters(`families = ["tag25h9"]`)
	require.NoError(t, err)

	want := DefaultParameters()
	want.Families = []string{"tag25h9"}
	if diff := cmp.Diff(want, params); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestParseParametersRejects(t *testing.T) {
	cases := map[string]string{
		"no families":     `families = []`,
		"unknown family":  `families = ["tag99h1"]`,
		"low decimation":  "[cli]\ndecimation = 0.5",
		"bad port":        `network_table_port = 70000`,
		"unknown key":     `shapening = 3.0`,
		"bad colour":      "[cli]\nrmin = 200\nrmax = 100",
		"syntax":          `families = [`,
		"negative margin": `min_decision_margin = -1.0`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseParameters(data)
			require.Error(t, err)
		})
	}
}

func TestWithOverrides(t *testing.T) {
	params := DefaultParameters()
	sharp, dec := 2.5, 4.0

	out, err := params.WithOverrides(&sharp, &dec)
	require.NoError(t, err)
	assert.Equal(t, 2.5, out.Tuning.Sharpening)
	assert.Equal(t, 4.0, out.Tuning.Decimation)
	assert.Equal(t, DefaultSharpening, params.Tuning.Sharpening)

	out, err = params.WithOverrides(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, params, out)

	bad := 0.0
	_, err = params.WithOverrides(nil, &bad)
	require.Error(t, err)
}
