package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"tag-vision-go/internal/calibration"
	"tag-vision-go/internal/config"
	"tag-vision-go/internal/detector"
	"tag-vision-go/internal/ingest"
	"tag-vision-go/internal/output"
	"tag-vision-go/internal/processing"
	"tag-vision-go/internal/server"
	"tag-vision-go/internal/simulator"
	"tag-vision-go/internal/telemetry"
	"tag-vision-go/internal/types"
)

const (
	ingestCapacity    = 1
	telemetryCapacity = 5
	previewCapacity   = 1
	simulatedMarkers  = 3
)

type metrics struct {
	framesCaptured atomic.Uint64
	sourceErrors   atomic.Uint64
	serverErrors   atomic.Uint64
}

func (m *metrics) snapshot() map[string]any {
	return map[string]any{
		"frames_captured_total": m.framesCaptured.Load(),
		"source_errors_total":   m.sourceErrors.Load(),
		"server_errors_total":   m.serverErrors.Load(),
	}
}

func main() {
	var (
		port           = flag.Int("port", 5800, "HTTP port for the preview UI")
		configDir      = flag.String("config-dir", "config", "Directory holding cam-cal.json and process.toml")
		cameraEndpoint = flag.String("camera-endpoint", "tcp://localhost:5555", "ZMQ endpoint of the camera frame publisher")
		cameraDevice   = flag.Bool("camera-device", false, "Capture from the local camera at camera_index instead of the ZMQ endpoint")
		enableEndpoint = flag.String("enable-endpoint", "", "ZMQ endpoint publishing Vision/Enable (empty keeps vision enabled)")
		debug          = flag.Bool("debug", false, "Run with a simulated camera and detector")
		debugFPS       = flag.Float64("debug-fps", 30, "Simulated camera frame rate")
		debugWidth     = flag.Int("debug-width", 640, "Simulated frame width")
		debugHeight    = flag.Int("debug-height", 480, "Simulated frame height")
		debugSeed      = flag.Int64("debug-seed", 1, "Seed for the simulated camera and detector")
		connectTimeout = flag.Duration("connect-timeout", 5*time.Second, "Initial telemetry bus connect timeout")
		publishTimeout = flag.Duration("publish-timeout", 100*time.Millisecond, "Timeout for a single telemetry publish")
		statusRate     = flag.Duration("status-rate", 1*time.Second, "Status push interval for websocket clients")
		previewScale   = flag.Float64("preview-scale", 0.5, "Scale factor for preview frames (1 keeps full size)")
		rawLogEnabled  = flag.Bool("raw-log", false, "Record every published message to disk")
		rawLogDir      = flag.String("raw-log-dir", "rawlog", "Directory for telemetry logs")
		ingestLogEvery = flag.Int("ingest-log-every", 100, "Log every Nth ingest or publish error")
		sharpening     = flag.Float64("sharpening", config.DefaultSharpening, "Override the detector sharpening")
		decimation     = flag.Float64("decimation", config.DefaultDecimation, "Override the detector decimation")
	)
	flag.Parse()

	var sharpeningOverride, decimationOverride *float64
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "sharpening":
			sharpeningOverride = sharpening
		case "decimation":
			decimationOverride = decimation
		}
	})

	cfg := config.AppConfig{
		Port:           *port,
		ConfigDir:      *configDir,
		CameraEndpoint: *cameraEndpoint,
		CameraDevice:   *cameraDevice,
		EnableEndpoint: *enableEndpoint,
		Debug:          *debug,
		DebugFPS:       *debugFPS,
		DebugWidth:     *debugWidth,
		DebugHeight:    *debugHeight,
		DebugSeed:      *debugSeed,
		ConnectTimeout: *connectTimeout,
		PublishTimeout: *publishTimeout,
		StatusRate:     *statusRate,
		PreviewScale:   *previewScale,
		RawLogEnabled:  *rawLogEnabled,
		RawLogDir:      *rawLogDir,
		IngestLogEvery: *ingestLogEvery,
	}

	if err := run(cfg, sharpeningOverride, decimationOverride); err != nil {
		log.Printf("tag-vision: %v", err)
		os.Exit(1)
	}
}

func run(cfg config.AppConfig, sharpening, decimation *float64) error {
	calib, err := calibration.Load(filepath.Join(cfg.ConfigDir, calibration.FileName))
	if err != nil {
		return err
	}
	projection, err := calib.Projection()
	if err != nil {
		return err
	}
	params, err := config.LoadParameters(filepath.Join(cfg.ConfigDir, config.ParamsFileName))
	if err != nil {
		return err
	}
	params, err = params.WithOverrides(sharpening, decimation)
	if err != nil {
		return fmt.Errorf("apply overrides: %w", err)
	}
	tagParams := calib.TagParams()
	log.Printf("calibration: mtx=%v tagsize=%.4f dist=%v",
		projection.Matrix(), calib.TagSize, calib.Dist())
	log.Printf("parameters:\n%s", mustPrettyJSON(params))

	var backend detector.Backend
	backendName := "opencv"
	if cfg.Debug {
		backend = detector.NewSimulated(tagParams, cfg.DebugSeed, simulatedMarkers)
		backendName = "simulated"
	} else {
		backend, err = detector.NewOpenCV()
		if err != nil {
			return err
		}
	}
	det, err := detector.New(params, backend)
	if err != nil {
		return err
	}
	defer det.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	log.Printf("run %s: detector=%s bus=%s", runID, backendName, params.Endpoint())

	busOpts := telemetry.DefaultOptions()
	busOpts.ConnectTimeout = cfg.ConnectTimeout
	bus, err := telemetry.DialZMQ(ctx, params.Endpoint(), busOpts)
	if err != nil {
		return err
	}

	gate := telemetry.NewGate()
	if cfg.EnableEndpoint != "" {
		go func() {
			if err := telemetry.SubscribeEnable(ctx, cfg.EnableEndpoint, gate); err != nil {
				log.Printf("enable subscription stopped: %v", err)
			}
		}()
	}

	var recorder *output.RawLogWriter
	if cfg.RawLogEnabled {
		recorder, err = output.NewRawLogWriter(cfg.RawLogDir, "telemetry", output.RawLogHeader{
			RunID:  runID,
			Camera: params.CameraIndex,
		})
		if err != nil {
			_ = bus.Close()
			return fmt.Errorf("start raw log: %w", err)
		}
		log.Printf("recording telemetry to %s", recorder.Path())
	}

	var source ingest.Source
	switch {
	case cfg.Debug:
		source = &simulator.Camera{
			Width:  cfg.DebugWidth,
			Height: cfg.DebugHeight,
			FPS:    cfg.DebugFPS,
			Index:  params.CameraIndex,
			Seed:   cfg.DebugSeed,
		}
	case cfg.CameraDevice:
		source = &ingest.DeviceSource{Index: params.CameraIndex, LogEvery: cfg.IngestLogEvery}
	default:
		source = &ingest.ZMQSource{
			Endpoint: cfg.CameraEndpoint,
			Camera:   params.CameraIndex,
			LogEvery: cfg.IngestLogEvery,
		}
	}

	var m metrics
	queue := ingest.NewQueue(ingestCapacity)
	telemetryCh := make(chan types.VisionMessage, telemetryCapacity)
	previewCh := make(chan types.Preview, previewCapacity)

	stageStats := &processing.Stats{}
	stage := &processing.Stage{
		Frames:    queue.Frames(),
		Detector:  det,
		TagParams: tagParams,
		MinMargin: params.MinDecisionMargin,
		Enabled:   gate.Enabled,
		Telemetry: telemetryCh,
		Preview:   previewCh,
		Stats:     stageStats,
		LogEvery:  cfg.IngestLogEvery,
	}
	pubStats := &telemetry.Stats{}
	publisher := &telemetry.Publisher{
		Bus:            bus,
		PublishTimeout: cfg.PublishTimeout,
		Stats:          pubStats,
		LogEvery:       cfg.IngestLogEvery,
	}
	if recorder != nil {
		publisher.Recorder = recorder
	}

	camCtx, camCancel := context.WithCancel(ctx)
	camDone := make(chan struct{})
	go func() {
		defer close(camDone)
		err := source.Run(camCtx, func(f types.Frame) {
			m.framesCaptured.Add(1)
			queue.Offer(f)
		})
		if err != nil {
			m.sourceErrors.Add(1)
			log.Printf("camera source stopped: %v", err)
			stop()
		}
	}()

	stageDone := make(chan struct{})
	go func() {
		defer close(stageDone)
		_ = stage.Run(context.Background())
	}()

	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		publisher.Run(context.Background(), telemetryCh)
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				qs := queue.Stats()
				log.Printf("pipeline stats: captured=%d ingest_dropped=%d processed=%d targets=%d telemetry_dropped=%d publish_err=%d decode_failures=%d",
					m.framesCaptured.Load(),
					qs.Dropped,
					stageStats.Processed.Load(),
					stageStats.Targets.Load(),
					stageStats.TelemetryDrops.Load(),
					pubStats.PublishErr.Load(),
					ingest.DecodeFailures(),
				)
			}
		}
	}()

	statusFn := func() map[string]any {
		metricsPayload := m.snapshot()
		for k, v := range stageStats.Snapshot() {
			metricsPayload[k] = v
		}
		for k, v := range pubStats.Snapshot() {
			metricsPayload[k] = v
		}
		qs := queue.Stats()
		metricsPayload["ingest_accepted_total"] = qs.Accepted
		metricsPayload["ingest_dropped_total"] = qs.Dropped
		metricsPayload["ingest_pending"] = qs.Pending
		metricsPayload["ingest_decode_failures_total"] = ingest.DecodeFailures()
		decodeCount, decodeNanos := ingest.DecodeTiming()
		metricsPayload["ingest_decode_total"] = decodeCount
		metricsPayload["ingest_decode_nanos_total"] = decodeNanos
		return map[string]any{
			"run_id":        runID,
			"detector":      backendName,
			"enabled":       gate.Enabled(),
			"bus_connected": bus.Connected(),
			"metrics":       metricsPayload,
		}
	}

	configFn := func() map[string]any {
		return map[string]any{
			"run_id":              runID,
			"families":            append([]string(nil), params.Families...),
			"min_decision_margin": params.MinDecisionMargin,
			"decimation":          params.Tuning.Decimation,
			"sharpening":          params.Tuning.Sharpening,
			"camera_index":        params.CameraIndex,
			"bus_endpoint":        params.Endpoint(),
			"camera_endpoint":     cfg.CameraEndpoint,
			"tag_size":            calib.TagSize,
		}
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())
	serverDone := make(chan error, 1)
	go func() {
		err := server.Run(serverCtx, cfg, previewCh, statusFn, configFn)
		if err != nil {
			m.serverErrors.Add(1)
			stop()
		}
		serverDone <- err
	}()
	log.Printf("Starting preview UI at http://localhost:%d", cfg.Port)

	<-ctx.Done()
	log.Printf("shutting down")

	camCancel()
	<-camDone
	queue.Close()
	<-stageDone
	<-pubDone

	var errs []error
	if err := bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	if recorder != nil {
		if err := recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close raw log: %w", err))
		}
	}
	serverCancel()
	if err := <-serverDone; err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if m.sourceErrors.Load() > 0 {
		errs = append(errs, errors.New("camera source failed"))
	}
	return errors.Join(errs...)
}

func mustPrettyJSON(value any) string {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error":"%v"}`, err)
	}
	return string(data)
}
