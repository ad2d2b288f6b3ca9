package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"tag-vision-go/internal/types"
)

// RawLogMagic opens every telemetry log. It is followed by length-prefixed
// records: uint64 unix nanos, uint32 payload length, CBOR payload. The
// first record is a RawLogHeader, the rest are types.Record values.
const RawLogMagic = "TAGVLOG1"

var ErrBadMagic = errors.New("output: not a telemetry log")

type RawLogHeader struct {
	RunID   string    `cbor:"run_id" json:"run_id"`
	Started time.Time `cbor:"started" json:"started"`
	Camera  int       `cbor:"camera" json:"camera"`
}

type RawLogEntry struct {
	Time   time.Time    `json:"time"`
	Record types.Record `json:"record"`
}

type RawLogWriter struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
}

func NewRawLogWriter(outputDir string, prefix string, header RawLogHeader) (*RawLogWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	if header.Started.IsZero() {
		header.Started = time.Now()
	}
	timestamp := header.Started.Format("20060102_150405")
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.bin", timestamp, prefix))
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	r := &RawLogWriter{
		f:    f,
		w:    bufio.NewWriterSize(f, 64*1024),
		path: filename,
	}
	if _, err := r.w.WriteString(RawLogMagic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := r.writeValue(header.Started, header); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func (r *RawLogWriter) Path() string {
	return r.path
}

// Record appends one published message.
func (r *RawLogWriter) Record(msg types.VisionMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return fmt.Errorf("raw log writer is closed")
	}
	return r.writeValue(time.Now(), types.RecordOf(msg))
}

func (r *RawLogWriter) writeValue(at time.Time, value any) error {
	payload, err := cbor.Marshal(value)
	if err != nil {
		return err
	}
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(at.UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := r.w.Write(payload); err != nil {
		return err
	}
	return r.w.Flush()
}

func (r *RawLogWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		_ = r.f.Close()
		r.w = nil
		return err
	}
	err := r.f.Close()
	r.w = nil
	return err
}

type RawLogReader struct {
	r      io.Reader
	header RawLogHeader
}

// NewRawLogReader checks the magic and reads the header record.
func NewRawLogReader(r io.Reader) (*RawLogReader, error) {
	magic := make([]byte, len(RawLogMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != RawLogMagic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadMagic, string(magic))
	}
	lr := &RawLogReader{r: r}
	_, payload, err := lr.next()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if err := cbor.Unmarshal(payload, &lr.header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	return lr, nil
}

func (lr *RawLogReader) Header() RawLogHeader {
	return lr.header
}

// Next returns the following entry or io.EOF at the end of the log. A
// record cut short by a crash also ends the log.
func (lr *RawLogReader) Next() (RawLogEntry, error) {
	ts, payload, err := lr.next()
	if err != nil {
		return RawLogEntry{}, err
	}
	var rec types.Record
	if err := cbor.Unmarshal(payload, &rec); err != nil {
		return RawLogEntry{}, fmt.Errorf("decode record: %w", err)
	}
	return RawLogEntry{Time: ts, Record: rec}, nil
}

func (lr *RawLogReader) next() (time.Time, []byte, error) {
	var meta [12]byte
	if _, err := io.ReadFull(lr.r, meta[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return time.Time{}, nil, io.EOF
		}
		return time.Time{}, nil, err
	}
	ts := time.Unix(0, int64(binary.LittleEndian.Uint64(meta[:8])))
	payload := make([]byte, binary.LittleEndian.Uint32(meta[8:12]))
	if _, err := io.ReadFull(lr.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return time.Time{}, nil, io.EOF
		}
		return time.Time{}, nil, err
	}
	return ts, payload, nil
}

// ReadRawLog loads a whole telemetry log.
func ReadRawLog(path string) (RawLogHeader, []RawLogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return RawLogHeader{}, nil, err
	}
	defer f.Close()

	lr, err := NewRawLogReader(bufio.NewReader(f))
	if err != nil {
		return RawLogHeader{}, nil, err
	}
	var entries []RawLogEntry
	for {
		e, err := lr.Next()
		if errors.Is(err, io.EOF) {
			return lr.Header(), entries, nil
		}
		if err != nil {
			return lr.Header(), entries, err
		}
		entries = append(entries, e)
	}
}
