package detector

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tag-vision-go/internal/config"
	"tag-vision-go/internal/pose"
	"tag-vision-go/internal/types"
)

type fakeBackend struct {
	settings Settings
	cands    []types.Candidate
	err      error
	closed   bool
}

func (f *fakeBackend) Configure(s Settings) error {
	f.settings = s
	return nil
}

func (f *fakeBackend) Detect(*image.Gray) ([]types.Candidate, error) {
	out := append([]types.Candidate(nil), f.cands...)
	return out, f.err
}

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

func TestNewConfiguresBackend(t *testing.T) {
	params := config.DefaultParameters()
	params.Families = []string{"tag36h11", "tag16h5"}
	params.Tuning.Decimation = 2
	params.Tuning.Sharpening = 0.25

	backend := &fakeBackend{}
	det, err := New(params, backend)
	require.NoError(t, err)

	s := backend.settings
	require.Len(t, s.Families, 2)
	assert.Equal(t, Family{Name: "tag16h5", CorrectedBits: 1}, s.Families[1])
	assert.Equal(t, 2.0, s.Decimation)
	assert.Equal(t, 0.25, s.Sharpening)
	assert.Equal(t, DefaultThreads, s.Threads)
	assert.False(t, s.RefineEdges)
	assert.Equal(t, 5, s.Thresholds.MinClusterPixels)
	assert.Equal(t, 360.0, s.Thresholds.MinOppositeAngleDeg)
	assert.Equal(t, s, det.Settings())

	require.NoError(t, det.Close())
	assert.True(t, backend.closed)
}

func TestNewRejects(t *testing.T) {
	params := config.DefaultParameters()
	params.Families = []string{"bogus"}
	_, err := New(params, &fakeBackend{})
	require.ErrorIs(t, err, ErrUnknownFamily)

	_, err = New(config.DefaultParameters(), nil)
	require.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestDetectFillsCenter(t *testing.T) {
	backend := &fakeBackend{cands: []types.Candidate{{
		ID:      4,
		Corners: [4]types.Point{{X: 0, Y: 10}, {X: 10, Y: 10}, {X: 10, Y: 0}, {X: 0, Y: 0}},
	}}}
	det, err := New(config.DefaultParameters(), backend)
	require.NoError(t, err)

	cands, err := det.Detect(image.NewGray(image.Rect(0, 0, 20, 20)))
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, types.Point{X: 5, Y: 5}, cands[0].Center)

	cands, err = det.Detect(image.NewGray(image.Rect(0, 0, 0, 0)))
	require.NoError(t, err)
	assert.Empty(t, cands)

	backend.err = errors.New("boom")
	_, err = det.Detect(image.NewGray(image.Rect(0, 0, 20, 20)))
	require.Error(t, err)
}

func TestGrayscale(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	img.Set(1, 0, color.RGBA{A: 255})

	gray := Grayscale(img)
	assert.Equal(t, uint8(255), gray.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(0), gray.GrayAt(1, 0).Y)
}

func TestContrastMargin(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 100, 100))
	for i := range gray.Pix {
		gray.Pix[i] = 255
	}
	// dark square 30..70
	for y := 30; y < 70; y++ {
		for x := 30; x < 70; x++ {
			gray.SetGray(x, y, color.Gray{Y: 0})
		}
	}
	marker := [4]types.Point{{X: 30, Y: 70}, {X: 70, Y: 70}, {X: 70, Y: 30}, {X: 30, Y: 30}}
	assert.Greater(t, ContrastMargin(gray, marker), 5000.0)

	flat := [4]types.Point{{X: 5, Y: 25}, {X: 25, Y: 25}, {X: 25, Y: 5}, {X: 5, Y: 5}}
	assert.Equal(t, 0.0, ContrastMargin(gray, flat))
}

func TestSimulatedDeterministic(t *testing.T) {
	tp := pose.TagParams{Fx: 600, Fy: 600, Cx: 320, Cy: 240, TagSize: 0.165}
	sim := NewSimulated(tp, 42, 3)
	require.NoError(t, sim.Configure(SettingsFor(config.DefaultParameters())))

	gray := image.NewGray(image.Rect(0, 0, 640, 480))
	for i := range gray.Pix {
		gray.Pix[i] = uint8(i * 7)
	}
	first, err := sim.Detect(gray)
	require.NoError(t, err)
	second, err := sim.Detect(gray)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	for _, c := range first {
		assert.Equal(t, "tag36h11", c.Family)
		for _, p := range c.Corners {
			assert.True(t, image.Pt(int(p.X), int(p.Y)).In(gray.Bounds()))
		}
		est, err := pose.Estimate(c.Corners, tp)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, est.Translation[2], 0.59)
		assert.LessOrEqual(t, est.Translation[2], 4.01)
	}
}

func TestOpenCVStub(t *testing.T) {
	backend, err := NewOpenCV()
	if err == nil {
		require.NotNil(t, backend)
		return
	}
	require.ErrorIs(t, err, ErrBackendUnavailable)
}
