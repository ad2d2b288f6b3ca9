package config

import "time"

// AppConfig holds the runtime options collected from the command line.
type AppConfig struct {
	Port           int
	ConfigDir      string
	CameraEndpoint string
	CameraDevice   bool
	EnableEndpoint string
	Debug          bool
	DebugFPS       float64
	DebugWidth     int
	DebugHeight    int
	DebugSeed      int64
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	StatusRate     time.Duration
	PreviewScale   float64
	RawLogEnabled  bool
	RawLogDir      string
	IngestLogEvery int
}
