package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"time"
)

// EmbeddingDim is the length of every face encoding produced by the worker.
const EmbeddingDim = 128

// ErrEmptyEmbedding is returned when decoding an encoding with no values.
var ErrEmptyEmbedding = errors.New("empty face encoding")

// Embedding is a face identity signature. It is never modified after the
// encoder produces it.
type Embedding []float64

// FaceResult is a single face box coming back from the Python worker.
// Score is only filled by the detection pass.
type FaceResult struct {
	Loc   []int   `json:"loc"` // [top, right, bottom, left]
	Score float64 `json:"score"`
}

// Rect converts the worker's [top, right, bottom, left] layout into an image.Rectangle.
func (f FaceResult) Rect() image.Rectangle {
	if len(f.Loc) != 4 {
		return image.Rectangle{}
	}
	return image.Rect(f.Loc[3], f.Loc[0], f.Loc[1], f.Loc[2])
}

// Record is a persisted, accepted image. The embedding is kept alongside the
// record but is never part of the public read model.
type Record struct {
	ID                string    `json:"id"`
	Image             string    `json:"image"`
	IsValid           bool      `json:"is_valid"`
	ValidationMessage string    `json:"validation_message"`
	UploadedAt        time.Time `json:"uploaded_at"`
	Embedding         Embedding `json:"-"`
}

// CorpusEntry is one stored encoding in its serialized form. Decoding is left
// to the matcher so a single corrupt row cannot fail the whole scan.
type CorpusEntry struct {
	RecordID string
	Encoding string
}

// MarshalEncoding serializes an embedding as a JSON number array.
func MarshalEncoding(e Embedding) (string, error) {
	if len(e) == 0 {
		return "", ErrEmptyEmbedding
	}
	b, err := json.Marshal([]float64(e))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseEncoding decodes a serialized embedding.
func ParseEncoding(s string) (Embedding, error) {
	var vals []float64
	if err := json.Unmarshal([]byte(s), &vals); err != nil {
		return nil, fmt.Errorf("decode face encoding: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return Embedding(vals), nil
}
