package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"tag-vision-go/internal/output"
)

func main() {
	var (
		path  = flag.String("path", "", "Path to telemetry log .bin file")
		limit = flag.Int("limit", 0, "Number of records to dump (0 dumps all)")
	)
	flag.Parse()

	if *path == "" {
		log.Fatal("path is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalf("open rawlog: %v", err)
	}
	defer f.Close()

	reader, err := output.NewRawLogReader(bufio.NewReader(f))
	if err != nil {
		log.Fatalf("read rawlog: %v", err)
	}
	header := reader.Header()
	log.Printf("run %s camera=%d started=%s", header.RunID, header.Camera, header.Started.Format(time.RFC3339))

	count := 0
	for {
		if *limit > 0 && count >= *limit {
			return
		}
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Fatalf("record %d: %v", count, err)
		}

		pretty, err := json.MarshalIndent(entry, "", "  ")
		if err != nil {
			log.Printf("record %d: JSON encode error: %v", count, err)
			continue
		}
		log.Printf("record %d timestamp=%s", count, entry.Time.Format(time.RFC3339Nano))
		fmt.Println(string(pretty))
		count++
	}
}
