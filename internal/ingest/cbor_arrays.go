package ingest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"

	"github.com/fxamacker/cbor/v2"
)

const (
	tagMultiDimArray = 40
	tagUint8         = 64
	tagUint16LE      = 69
)

// decodeGrayArray decodes a tag 40 two-dimensional array (rows, cols) of
// uint8 or little-endian uint16 samples into a grayscale image. 16-bit
// samples keep their high byte.
func decodeGrayArray(value any) (image.Image, error) {
	tag, ok := value.(cbor.Tag)
	if !ok || tag.Number != tagMultiDimArray {
		return nil, fmt.Errorf("expected multidim tag 40")
	}

	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return nil, fmt.Errorf("invalid multidim array content")
	}

	dimsRaw, ok := items[0].([]any)
	if !ok || len(dimsRaw) != 2 {
		return nil, fmt.Errorf("invalid multidim dimensions")
	}

	rows, err := toInt(dimsRaw[0])
	if err != nil {
		return nil, err
	}
	cols, err := toInt(dimsRaw[1])
	if err != nil {
		return nil, err
	}
	if err := checkFrameSize(cols, rows); err != nil {
		return nil, err
	}

	typed, ok := items[1].(cbor.Tag)
	if !ok {
		return nil, fmt.Errorf("expected typed array tag")
	}
	data, ok := typed.Content.([]byte)
	if !ok {
		return nil, fmt.Errorf("unsupported typed array content %T", typed.Content)
	}

	var pix []byte
	switch typed.Number {
	case tagUint8:
		pix = data
	case tagUint16LE:
		pix = make([]byte, len(data)/2)
		for i := range pix {
			pix[i] = byte(binary.LittleEndian.Uint16(data[i*2:i*2+2]) >> 8)
		}
	default:
		return nil, fmt.Errorf("unsupported typed array tag %d", typed.Number)
	}
	if len(pix)%cols != 0 || len(pix)/cols != rows {
		return nil, errors.New("dimension mismatch")
	}
	return &image.Gray{Pix: pix, Stride: cols, Rect: image.Rect(0, 0, cols, rows)}, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}
