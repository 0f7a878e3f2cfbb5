// Package dump writes zstd-compressed diagnostic snapshots of a Runtime,
// grounded on the teacher's pkg/compression.Compressor Zstd path, sized down
// to the one algorithm diagnostic dumps actually need.
package dump

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/mnohosten/shielded/pkg/shielded"
)

// Snapshot is the JSON payload compressed into a dump.
type Snapshot struct {
	TakenAt time.Time      `json:"takenAt"`
	Stats   shielded.Stats `json:"stats"`
}

// Writer compresses Runtime snapshots with a reusable zstd encoder, the way
// pkg/compression.Compressor pre-creates its encoder once in NewCompressor
// rather than per call.
type Writer struct {
	enc *zstd.Encoder
}

// NewWriter builds a Writer at the given zstd level (1-19; out-of-range
// falls back to 3, the teacher's default balanced level).
func NewWriter(level int) (*Writer, error) {
	if level < 1 || level > 19 {
		level = 3
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("dump: create zstd encoder: %w", err)
	}
	return &Writer{enc: enc}, nil
}

// Dump takes a snapshot of rt's stats and returns it JSON-encoded, then
// zstd-compressed.
func (w *Writer) Dump(rt *shielded.Runtime) ([]byte, error) {
	snap := Snapshot{TakenAt: time.Now().UTC(), Stats: rt.Stats()}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("dump: marshal snapshot: %w", err)
	}
	return w.enc.EncodeAll(raw, nil), nil
}

// Close releases the encoder's resources.
func (w *Writer) Close() error {
	w.enc.Close()
	return nil
}

// Reader decompresses dumps produced by Writer.Dump.
type Reader struct {
	dec *zstd.Decoder
}

// NewReader builds a Reader with a reusable zstd decoder.
func NewReader() (*Reader, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("dump: create zstd decoder: %w", err)
	}
	return &Reader{dec: dec}, nil
}

// Load decompresses and unmarshals a dump produced by Writer.Dump.
func (r *Reader) Load(compressed []byte) (Snapshot, error) {
	var snap Snapshot
	raw, err := r.dec.DecodeAll(compressed, nil)
	if err != nil {
		return snap, fmt.Errorf("dump: decode zstd: %w", err)
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, fmt.Errorf("dump: unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// Close releases the decoder's resources.
func (r *Reader) Close() error {
	r.dec.Close()
	return nil
}
