package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"tag-vision-go/internal/calibration"
	"tag-vision-go/internal/config"
	"tag-vision-go/internal/detector"
	"tag-vision-go/internal/ingest"
	"tag-vision-go/internal/processing"
	"tag-vision-go/internal/types"
)

func main() {
	configDir := flag.String("config-dir", "config", "Directory holding cam-cal.json and process.toml")
	path := flag.String("path", "", "Optional image, CBOR frame message, or directory of them to run through detection")
	limit := flag.Int("limit", 5, "Max number of frames to evaluate")
	simulated := flag.Bool("debug", false, "Use the simulated detector")
	seed := flag.Int64("debug-seed", 1, "Seed for the simulated detector")
	flag.Parse()

	calib, err := calibration.Load(filepath.Join(*configDir, calibration.FileName))
	if err != nil {
		log.Fatalf("calibration: %v", err)
	}
	projection, err := calib.Projection()
	if err != nil {
		log.Fatalf("calibration: %v", err)
	}
	params, err := config.LoadParameters(filepath.Join(*configDir, config.ParamsFileName))
	if err != nil {
		log.Fatalf("parameters: %v", err)
	}

	fmt.Printf("calibration: %s\n", filepath.Join(*configDir, calibration.FileName))
	fmt.Printf("  fx=%.3f fy=%.3f cx=%.3f cy=%.3f tagsize=%.4f\n", calib.Fx, calib.Fy, calib.Cx, calib.Cy, calib.TagSize)
	fmt.Printf("  dist: %v\n", calib.Dist())
	fmt.Printf("  projection: %v\n", projection.Matrix())
	fmt.Printf("  inverse:    %v\n", projection.Inverse())
	rvecs, err := calib.RotationVectors()
	if err != nil {
		log.Fatalf("calibration: %v", err)
	}
	tvecs, err := calib.TranslationVectors()
	if err != nil {
		log.Fatalf("calibration: %v", err)
	}
	fmt.Printf("  views: %d rvecs, %d tvecs\n", len(rvecs), len(tvecs))
	for i, t := range tvecs {
		if u, v, ok := projection.Project(t[0], t[1], t[2]); ok {
			fmt.Printf("  view %d board origin at pixel (%.1f, %.1f)\n", i, u, v)
		}
	}

	fmt.Printf("parameters: %s\n", filepath.Join(*configDir, config.ParamsFileName))
	if err := params.Encode(os.Stdout); err != nil {
		log.Fatalf("encode parameters: %v", err)
	}

	if *path == "" {
		return
	}

	var backend detector.Backend
	if *simulated {
		backend = detector.NewSimulated(calib.TagParams(), *seed, 3)
	} else if backend, err = detector.NewOpenCV(); err != nil {
		log.Fatalf("detector: %v", err)
	}
	det, err := detector.New(params, backend)
	if err != nil {
		log.Fatalf("detector: %v", err)
	}
	defer det.Close()

	files, err := listFiles(*path)
	if err != nil {
		log.Fatalf("list files: %v", err)
	}

	var evaluated, targets int
	for _, file := range files {
		if evaluated >= *limit {
			break
		}
		frame, err := loadFrame(file)
		if err != nil {
			log.Printf("load %s: %v", file, err)
			continue
		}
		cands, err := det.Detect(detector.Grayscale(frame.Image))
		if err != nil {
			log.Printf("detect %s: %v", file, err)
			continue
		}
		evaluated++
		msg, eval := processing.Select(cands, calib.TagParams(), params.MinDecisionMargin)
		fmt.Printf("frame: %s (%dx%d)\n", file, frame.Image.Bounds().Dx(), frame.Image.Bounds().Dy())
		for _, ev := range eval.Candidates {
			fmt.Printf("  id=%d family=%s margin=%.0f verdict=%s distance=%.3f\n",
				ev.Candidate.ID, ev.Candidate.Family, ev.Candidate.DecisionMargin, ev.Verdict, ev.Distance)
		}
		switch m := msg.(type) {
		case types.Target:
			targets++
			fmt.Printf("  target: id=%d translation=%v rotation=%.4f\n", m.ID, m.Translation, m.Rotation)
		case types.NoTargets:
			fmt.Printf("  no targets\n")
		}
	}

	fmt.Printf("summary: frames=%d targets=%d\n", evaluated, targets)
}

func loadFrame(file string) (types.Frame, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return types.Frame{}, err
	}
	if strings.EqualFold(filepath.Ext(file), ".cbor") {
		return ingest.DecodeFrame(data)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return types.Frame{}, err
	}
	return types.Frame{Image: ingest.ToRGBA(img)}, nil
}

var frameExts = map[string]bool{".cbor": true, ".png": true, ".jpg": true, ".jpeg": true}

func listFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if frameExts[strings.ToLower(filepath.Ext(entry.Name()))] {
			files = append(files, filepath.Join(path, entry.Name()))
		}
	}
	if len(files) == 0 {
		return nil, errors.New("no frame files found")
	}
	sort.Strings(files)
	return files, nil
}
