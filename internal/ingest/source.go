package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"
	"golang.org/x/image/draw"

	"tag-vision-go/internal/types"
)

// Source produces camera frames. Run calls emit for every frame until ctx
// is cancelled or the source fails; emit must not block.
type Source interface {
	Run(ctx context.Context, emit func(types.Frame)) error
}

const recvTimeout = 250 * time.Millisecond

// MaxFrameSide bounds the width and height accepted from a camera message.
const MaxFrameSide = 16384

func checkFrameSize(width, height int) error {
	if width <= 0 || height <= 0 || width > MaxFrameSide || height > MaxFrameSide {
		return fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	return nil
}

var (
	decodeFailures atomic.Uint64
	decodeCount    atomic.Uint64
	decodeNanos    atomic.Uint64
)

// DecodeFailures is the number of camera messages that could not be
// decoded since start.
func DecodeFailures() uint64 {
	return decodeFailures.Load()
}

func DecodeTiming() (uint64, uint64) {
	return decodeCount.Load(), decodeNanos.Load()
}

// ZMQSource pulls CBOR frame messages from a camera publisher. A message
// is a map with keys type ("image"), camera, frame_id, timestamp, width,
// height, encoding ("rgba", "gray", "jpeg", "png" or "array") and data
// (bytes, or a tag 40 array).
type ZMQSource struct {
	Endpoint string
	Camera   int
	LogEvery int
}

func (s *ZMQSource) Run(ctx context.Context, emit func(types.Frame)) error {
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return err
	}
	defer socket.Close()
	if err := socket.SetRcvtimeo(recvTimeout); err != nil {
		return err
	}
	if err := socket.SetRcvhwm(2); err != nil {
		return err
	}
	if err := socket.Connect(s.Endpoint); err != nil {
		return fmt.Errorf("connect camera endpoint %s: %w", s.Endpoint, err)
	}

	logs := &everyN{n: s.LogEvery}
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := socket.RecvBytes(0)
		if err != nil {
			if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
				continue
			}
			logs.printf("camera recv error: %v", err)
			continue
		}

		start := time.Now()
		frame, err := DecodeFrame(msg)
		decodeCount.Add(1)
		decodeNanos.Add(uint64(time.Since(start).Nanoseconds()))
		if err != nil {
			decodeFailures.Add(1)
			logs.printf("camera decode error: %v", err)
			continue
		}
		if frame.Camera != s.Camera {
			continue
		}
		emit(frame)
	}
}

type frameMessage struct {
	Type      string          `cbor:"type"`
	Camera    int             `cbor:"camera"`
	FrameID   uint64          `cbor:"frame_id"`
	Timestamp float64         `cbor:"timestamp"`
	Width     int             `cbor:"width"`
	Height    int             `cbor:"height"`
	Encoding  string          `cbor:"encoding"`
	Data      cbor.RawMessage `cbor:"data"`
}

var (
	errNotImage = errors.New("not an image message")

	ErrDeviceUnavailable = errors.New("ingest: local camera capture not enabled; build with -tags gocv")
)

// DecodeFrame turns one camera message into an RGBA frame.
func DecodeFrame(msg []byte) (types.Frame, error) {
	var m frameMessage
	if err := cbor.Unmarshal(msg, &m); err != nil {
		return types.Frame{}, fmt.Errorf("cbor: %w", err)
	}
	if m.Type != "image" {
		return types.Frame{}, fmt.Errorf("%w: %q", errNotImage, m.Type)
	}

	var (
		img image.Image
		err error
	)
	switch m.Encoding {
	case "rgba":
		img, err = rawRGBA(m)
	case "gray":
		img, err = rawGray(m)
	case "jpeg", "png":
		var data []byte
		if err := cbor.Unmarshal(m.Data, &data); err != nil {
			return types.Frame{}, fmt.Errorf("data: %w", err)
		}
		cfg, _, cerr := image.DecodeConfig(bytes.NewReader(data))
		if cerr != nil {
			return types.Frame{}, cerr
		}
		if err := checkFrameSize(cfg.Width, cfg.Height); err != nil {
			return types.Frame{}, err
		}
		img, _, err = image.Decode(bytes.NewReader(data))
	case "array":
		var value any
		if err := cbor.Unmarshal(m.Data, &value); err != nil {
			return types.Frame{}, fmt.Errorf("data: %w", err)
		}
		img, err = decodeGrayArray(value)
	default:
		return types.Frame{}, fmt.Errorf("unsupported encoding %q", m.Encoding)
	}
	if err != nil {
		return types.Frame{}, err
	}

	captured := time.Now()
	if m.Timestamp > 0 {
		captured = time.Unix(0, int64(m.Timestamp*1e9))
	}
	return types.Frame{
		ID:       m.FrameID,
		Camera:   m.Camera,
		Captured: captured,
		Image:    ToRGBA(img),
	}, nil
}

func rawBytes(m frameMessage, channels int) ([]byte, error) {
	var data []byte
	if err := cbor.Unmarshal(m.Data, &data); err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	if err := checkFrameSize(m.Width, m.Height); err != nil {
		return nil, err
	}
	if len(data)%channels != 0 || len(data)/channels/m.Width != m.Height || (len(data)/channels)%m.Width != 0 {
		return nil, fmt.Errorf("frame data length %d, expected %dx%dx%d", len(data), m.Width, m.Height, channels)
	}
	return data, nil
}

func rawRGBA(m frameMessage) (image.Image, error) {
	data, err := rawBytes(m, 4)
	if err != nil {
		return nil, err
	}
	return &image.RGBA{Pix: data, Stride: 4 * m.Width, Rect: image.Rect(0, 0, m.Width, m.Height)}, nil
}

func rawGray(m frameMessage) (image.Image, error) {
	data, err := rawBytes(m, 1)
	if err != nil {
		return nil, err
	}
	return &image.Gray{Pix: data, Stride: m.Width, Rect: image.Rect(0, 0, m.Width, m.Height)}, nil
}

// ToRGBA returns img as *image.RGBA, converting when needed.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

type everyN struct {
	n     int
	count atomic.Uint64
}

func (e *everyN) printf(format string, args ...any) {
	n := e.n
	if n < 1 {
		n = 1
	}
	if e.count.Add(1)%uint64(n) == 1 || n == 1 {
		log.Printf(format, args...)
	}
}
