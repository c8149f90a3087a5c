package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Manifest is the JSON sidecar written next to every sealed segment
// (spec.md §4.5, §6: "<segment>.manifest.json").
type Manifest struct {
	SegmentName string    `json:"segment_name"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	RecordCount int       `json:"record_count"`
	ByteCount   int64     `json:"byte_count"`
	SHA256      string    `json:"sha256"`
	Codec       Codec     `json:"codec"`
}

// Segment is one MRT file under construction (Open) or complete (Sealed).
type Segment struct {
	ID          string
	Path        string
	Codec       Codec
	StartTime   time.Time
	EndTime     time.Time
	RecordCount int
	ByteCount   int64

	file    *os.File
	encoder interface {
		Write(p []byte) (int, error)
		Close() error
	}
	hasher interface {
		Write(p []byte) (int, error)
	}
	sealed bool
}

// openSegment creates a new segment file at path using codec, ready to
// accept records.
func openSegment(path string, codec Codec) (*Segment, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	enc, err := newEncoder(codec, io2Writer{f, h})
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Segment{
		ID:        uuid.NewString(),
		Path:      path,
		Codec:     codec,
		StartTime: now(),
		file:      f,
		encoder:   enc,
		hasher:    h,
	}, nil
}

// io2Writer fans a single Write out to both the underlying file and a
// running digest, so Seal() never has to re-read the file to hash it.
type io2Writer struct {
	w io.Writer
	h io.Writer
}

func (m io2Writer) Write(p []byte) (int, error) {
	n, err := m.w.Write(p)
	if err != nil {
		return n, err
	}
	m.h.Write(p[:n])
	return n, nil
}

// Write appends one encoded record.
func (s *Segment) Write(record []byte) error {
	if s.sealed {
		return fmt.Errorf("archive: write to sealed segment %s", s.ID)
	}
	n, err := s.encoder.Write(record)
	if err != nil {
		return err
	}
	s.ByteCount += int64(n)
	s.RecordCount++
	s.EndTime = now()
	return nil
}

// Seal closes the segment and writes its manifest sidecar, returning the
// manifest.
func (s *Segment) Seal() (*Manifest, error) {
	if s.sealed {
		return nil, fmt.Errorf("archive: segment %s already sealed", s.ID)
	}
	if err := s.encoder.Close(); err != nil {
		return nil, err
	}
	if err := s.file.Close(); err != nil {
		return nil, err
	}
	s.sealed = true

	digest := s.hasher.(interface{ Sum([]byte) []byte }).Sum(nil)
	m := &Manifest{
		SegmentName: filepath.Base(s.Path),
		StartTime:   s.StartTime,
		EndTime:     s.EndTime,
		RecordCount: s.RecordCount,
		ByteCount:   s.ByteCount,
		SHA256:      hex.EncodeToString(digest),
		Codec:       s.Codec,
	}
	manifestPath := s.Path + ".manifest.json"
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(manifestPath, b, 0o644); err != nil {
		return nil, err
	}
	return m, nil
}

// ManifestPath returns the sidecar path for a sealed segment at path.
func ManifestPath(segmentPath string) string { return segmentPath + ".manifest.json" }

// now is a seam so tests can control segment timestamps deterministically.
func now() time.Time { return time.Now() }
