package ingest

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tag-vision-go/internal/types"
)

func TestQueueDropsIncomingWhenFull(t *testing.T) {
	q := NewQueue(1)

	require.True(t, q.Offer(types.Frame{ID: 1}))
	assert.False(t, q.Offer(types.Frame{ID: 2}))
	assert.False(t, q.Offer(types.Frame{ID: 3}))

	got := <-q.Frames()
	assert.Equal(t, uint64(1), got.ID, "queued frame must survive; newest frames are dropped")

	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.Accepted)
	assert.Equal(t, uint64(2), stats.Dropped)
	assert.Equal(t, 0, stats.Pending)
}

func TestQueueOfferNeverBlocks(t *testing.T) {
	q := NewQueue(1)
	// nobody consumes; a camera callback offering at full speed must not stall
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			q.Offer(types.Frame{ID: uint64(i)})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Offer blocked on a full queue")
	}
	assert.Equal(t, uint64(9999), q.Stats().Dropped)
}

func TestQueueClose(t *testing.T) {
	q := NewQueue(1)
	require.True(t, q.Offer(types.Frame{ID: 1}))
	q.Close()
	q.Close()

	assert.False(t, q.Offer(types.Frame{ID: 2}))

	var ids []uint64
	for f := range q.Frames() {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []uint64{1}, ids)
}

func TestQueueConcurrentOfferAndClose(t *testing.T) {
	q := NewQueue(1)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				q.Offer(types.Frame{})
			}
		}()
	}
	go func() {
		for range q.Frames() {
		}
	}()
	q.Close()
	wg.Wait()
}

func encodeMessage(t *testing.T, msg map[string]any) []byte {
	t.Helper()
	payload, err := cbor.Marshal(msg)
	require.NoError(t, err)
	return payload
}

func TestDecodeFrameRGBA(t *testing.T) {
	payload := encodeMessage(t, map[string]any{
		"type":      "image",
		"camera":    2,
		"frame_id":  7,
		"timestamp": 1.25,
		"width":     2,
		"height":    1,
		"encoding":  "rgba",
		"data":      []byte{255, 0, 0, 255, 0, 255, 0, 255},
	})

	frame, err := DecodeFrame(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), frame.ID)
	assert.Equal(t, 2, frame.Camera)
	assert.Equal(t, time.Unix(1, 250_000_000), frame.Captured)
	assert.Equal(t, color.RGBA{R: 255, A: 255}, frame.Image.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{G: 255, A: 255}, frame.Image.RGBAAt(1, 0))
}

func TestDecodeFrameGrayArray(t *testing.T) {
	payload := encodeMessage(t, map[string]any{
		"type":     "image",
		"frame_id": 3,
		"encoding": "array",
		"data": cbor.Tag{
			Number: tagMultiDimArray,
			Content: []any{
				[]any{1, 2},
				cbor.Tag{Number: tagUint8, Content: []byte{10, 20}},
			},
		},
	})

	frame, err := DecodeFrame(payload)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 2, 1), frame.Image.Bounds())
	assert.Equal(t, uint8(20), frame.Image.RGBAAt(1, 0).R)
}

func TestDecodeFramePNG(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 3, 2))
	src.SetGray(2, 1, color.Gray{Y: 200})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))

	payload := encodeMessage(t, map[string]any{
		"type":     "image",
		"encoding": "png",
		"data":     buf.Bytes(),
	})
	frame, err := DecodeFrame(payload)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3, 2), frame.Image.Bounds())
	assert.Equal(t, uint8(200), frame.Image.RGBAAt(2, 1).G)
}

func TestDecodeFrameRejects(t *testing.T) {
	cases := map[string][]byte{
		"garbage":   {0xff, 0x00, 0x13},
		"not image": encodeMessage(t, map[string]any{"type": "start"}),
		"short rgba": encodeMessage(t, map[string]any{
			"type": "image", "width": 2, "height": 2, "encoding": "rgba", "data": []byte{1, 2, 3},
		}),
		"encoding": encodeMessage(t, map[string]any{"type": "image", "encoding": "bayer", "data": []byte{1}}),
		"overflowing size": encodeMessage(t, map[string]any{
			"type": "image", "width": 1 << 31, "height": 1 << 31, "encoding": "rgba", "data": []byte{},
		}),
		"oversized side": encodeMessage(t, map[string]any{
			"type": "image", "width": MaxFrameSide + 1, "height": 1, "encoding": "gray", "data": make([]byte, MaxFrameSide+1),
		}),
		"negative size": encodeMessage(t, map[string]any{
			"type": "image", "width": -2, "height": -2, "encoding": "gray", "data": []byte{1, 2, 3, 4},
		}),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeFrame(payload)
			require.Error(t, err)
		})
	}
}
