//go:build !gocv

package ingest

import (
	"context"

	"tag-vision-go/internal/types"
)

type DeviceSource struct {
	Index    int
	LogEvery int
}

func (s *DeviceSource) Run(context.Context, func(types.Frame)) error {
	return ErrDeviceUnavailable
}
