package calibration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tag-vision-go/internal/pose"
	"tag-vision-go/internal/types"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadIdempotent(t *testing.T) {
	first, err := Load("testdata/cam-cal.json")
	require.NoError(t, err)
	second, err := Load("testdata/cam-cal.json")
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("calibration differs between loads (-first +second):\n%s", diff)
	}
}

func TestLoadFields(t *testing.T) {
	cal, err := Load("testdata/cam-cal.json")
	require.NoError(t, err)

	assert.Equal(t, 612.4, cal.Fx)
	assert.Equal(t, 242.3, cal.Cy)
	assert.Equal(t, 0.1651, cal.TagSize)
	assert.Equal(t, []float64{-0.0412, 0.0931, 0.0004, -0.0011, -0.0623}, cal.Dist())

	rvecs, err := cal.RotationVectors()
	require.NoError(t, err)
	require.Len(t, rvecs, 2)
	assert.Equal(t, [3]float64{0.012, -0.143, 0.021}, rvecs[0])

	tp := cal.TagParams()
	assert.Equal(t, cal.Fx, tp.Fx)
	assert.Equal(t, cal.TagSize, tp.TagSize)
	assert.Len(t, tp.Dist, 5)
}

func TestTagParamsUseMatrix(t *testing.T) {
	cal, err := Load("testdata/cam-cal.json")
	require.NoError(t, err)
	proj, err := cal.Projection()
	require.NoError(t, err)

	// scalar intrinsics that disagree with mtx must not be used
	cal.Fx, cal.Cx = 1, 0
	tp := cal.TagParams()
	require.NotNil(t, tp.Camera)

	want := types.Pose{Translation: [3]float64{0.2, -0.1, 1.8}, Rotation: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
	var corners [4]types.Point
	h := cal.TagSize / 2
	for i, o := range [4][2]float64{{-h, h}, {h, h}, {h, -h}, {-h, -h}} {
		u, v, ok := proj.Project(o[0]+want.Translation[0], o[1]+want.Translation[1], want.Translation[2])
		require.True(t, ok)
		corners[i] = types.Point{X: u, Y: v}
	}
	tp.Dist = nil

	got, err := pose.Estimate(corners, tp)
	require.NoError(t, err)
	for i := range want.Translation {
		assert.InDelta(t, want.Translation[i], got.Translation[i], 1e-6)
	}
	assert.Less(t, got.Error, 1e-6)

	x, y := tp.Camera.Unproject(318.7, 242.3)
	assert.InDelta(t, 0, x, 1e-12)
	assert.InDelta(t, 0, y, 1e-12)
}

func TestTagParamsSingularMatrixFallsBack(t *testing.T) {
	cal := &CameraCalibration{
		Mtx:     [][]float64{{1, 2, 3}, {2, 4, 6}, {0, 0, 1}},
		Fx:      600,
		Fy:      600,
		TagSize: 0.1,
	}
	assert.Nil(t, cal.TagParams().Camera)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.ErrorIs(t, err, ErrIO)
	assert.NotErrorIs(t, err, ErrLoad)
}

func TestLoadMalformed(t *testing.T) {
	path := writeFile(t, `{"mtx": [[1, 0, 0], `)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrLoad)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"short mtx row": `{"mtx":[[1,0],[0,1,0],[0,0,1]],"dist":[[0,0,0,0,0]],"fx":1,"fy":1,"tagsize":0.1}`,
		"dist length":   `{"mtx":[[1,0,0],[0,1,0],[0,0,1]],"dist":[[0,0,0]],"fx":1,"fy":1,"tagsize":0.1}`,
		"rvec size":     `{"mtx":[[1,0,0],[0,1,0],[0,0,1]],"dist":[[0,0,0,0,0]],"rvecs":[[[1],[2]]],"tvecs":[[[1],[2],[3]]],"fx":1,"fy":1,"tagsize":0.1}`,
		"vec mismatch":  `{"mtx":[[1,0,0],[0,1,0],[0,0,1]],"dist":[[0,0,0,0,0]],"rvecs":[[[1],[2],[3]]],"fx":1,"fy":1,"tagsize":0.1}`,
		"tag size":      `{"mtx":[[1,0,0],[0,1,0],[0,0,1]],"dist":[[0,0,0,0,0]],"fx":1,"fy":1,"tagsize":0}`,
		"focal":         `{"mtx":[[1,0,0],[0,1,0],[0,0,1]],"dist":[[0,0,0,0,0]],"fx":-1,"fy":1,"tagsize":0.1}`,
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			cal, err := Load(writeFile(t, contents))
			require.ErrorIs(t, err, ErrLoad)
			assert.Nil(t, cal)
		})
	}
}

func TestProjection(t *testing.T) {
	cal, err := Load("testdata/cam-cal.json")
	require.NoError(t, err)

	proj, err := cal.Projection()
	require.NoError(t, err)
	assert.Equal(t, [9]float64{612.4, 0, 318.7, 0, 611.9, 242.3, 0, 0, 1}, proj.Matrix())

	u, v, ok := proj.Project(0.1, -0.2, 2)
	require.True(t, ok)
	x, y := proj.Unproject(u, v)
	assert.InDelta(t, 0.05, x, 1e-9)
	assert.InDelta(t, -0.1, y, 1e-9)
}

func TestProjectionSingular(t *testing.T) {
	cal := &CameraCalibration{
		Mtx: [][]float64{{1, 2, 3}, {2, 4, 6}, {0, 0, 1}},
	}
	_, err := cal.Projection()
	require.ErrorIs(t, err, ErrConversion)
}

func TestProjectionWrongSize(t *testing.T) {
	cal := &CameraCalibration{
		Mtx: [][]float64{{1, 0, 0}, {0, 1, 0}},
	}
	_, err := cal.Projection()
	require.ErrorIs(t, err, ErrConversion)
}
