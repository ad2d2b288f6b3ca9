package simulator

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tag-vision-go/internal/types"
)

func TestCameraEmitsSequentialFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cam := &Camera{Width: 32, Height: 24, FPS: 200, Index: 1, Seed: 3}

	var (
		mu     sync.Mutex
		frames []types.Frame
	)
	done := make(chan error, 1)
	go func() {
		done <- cam.Run(ctx, func(f types.Frame) {
			mu.Lock()
			defer mu.Unlock()
			frames = append(frames, f)
			if len(frames) == 3 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("camera did not stop after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(frames), 3)
	for i, f := range frames[:3] {
		assert.Equal(t, uint64(i), f.ID)
		assert.Equal(t, 1, f.Camera)
		assert.Equal(t, 32, f.Image.Bounds().Dx())
		assert.Equal(t, 24, f.Image.Bounds().Dy())
	}
}

func TestRenderIsOpaqueAndVaries(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := Render(64, 48, 0, rng)
	b := Render(64, 48, 40, rng)

	for i := 3; i < len(a.Pix); i += 4 {
		if a.Pix[i] != 255 {
			t.Fatalf("pixel %d not opaque", i/4)
		}
	}
	assert.NotEqual(t, a.Pix, b.Pix)
}
