package archive

import (
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Codec is the compression applied to a segment's record stream
// (spec.md §4.5: "none, gzip, bzip2, zstd").
type Codec string

const (
	CodecNone  Codec = "none"
	CodecGzip  Codec = "gzip"
	CodecBzip2 Codec = "bzip2"
	CodecZstd  Codec = "zstd"
)

// nopCloser adapts an io.Writer with no Close of its own.
type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// newEncoder wraps w with the compressor named by c. Segment names carry
// the matching extension (Writer.openNext in writer.go) so replication destinations and
// offline tooling can tell codecs apart without opening the manifest.
func newEncoder(c Codec, w io.Writer) (io.WriteCloser, error) {
	switch c {
	case "", CodecNone:
		return nopCloser{w}, nil
	case CodecGzip:
		return gzip.NewWriter(w), nil
	case CodecBzip2:
		// stdlib compress/bzip2 is decode-only; dsnet/compress/bzip2
		// supplies the writer side (SPEC_FULL.md domain stack).
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
	case CodecZstd:
		return zstd.NewWriter(w)
	default:
		return nil, errUnknownCodec(c)
	}
}

type errUnknownCodec Codec

func (e errUnknownCodec) Error() string { return "archive: unknown codec " + string(e) }

// Extension returns the filename suffix conventionally used for c.
func (c Codec) Extension() string {
	switch c {
	case CodecGzip:
		return ".gz"
	case CodecBzip2:
		return ".bz2"
	case CodecZstd:
		return ".zst"
	default:
		return ""
	}
}
