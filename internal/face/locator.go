// Package face counts faces in an image and extracts a single identity
// embedding when exactly one is present.
package face

import (
	"context"
	"fmt"
	"image"

	"github.com/andresmejia3/faceguard/internal/imaging"
	"github.com/andresmejia3/faceguard/internal/types"
	"go.uber.org/zap"
)

const (
	DefaultMinConfidence = 0.5
	DefaultMaxEncodeSide = 800
)

// Detector is the face capability, normally a leased worker session.
type Detector interface {
	DetectFaces(ctx context.Context, img image.Image, minConfidence float64) ([]types.FaceResult, error)
	LocateFaces(ctx context.Context, img image.Image) ([]types.FaceResult, error)
	EncodeFaces(ctx context.Context, img image.Image, faces []types.FaceResult) ([]types.Embedding, error)
}

// Kind enumerates locator outcomes.
type Kind int

const (
	NoFace Kind = iota
	MultipleFaces
	SingleFace
	NoEncoding
	DetectionFailed
)

func (k Kind) String() string {
	switch k {
	case NoFace:
		return "no_face"
	case MultipleFaces:
		return "multiple_faces"
	case SingleFace:
		return "single_face"
	case NoEncoding:
		return "no_encoding"
	case DetectionFailed:
		return "detection_failed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome is the tagged result of a locator step. Count is set for
// MultipleFaces, Embedding for SingleFace after encoding, Err for
// DetectionFailed and for NoEncoding caused by an error.
type Outcome struct {
	Kind      Kind
	Count     int
	Embedding types.Embedding
	Err       error
}

// Locator wraps the detector capability.
type Locator struct {
	MinConfidence float64
	MaxEncodeSide int

	log *zap.Logger
}

func NewLocator(minConfidence float64, maxEncodeSide int, log *zap.Logger) *Locator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Locator{MinConfidence: minConfidence, MaxEncodeSide: maxEncodeSide, log: log}
}

// Count runs detection on the full-resolution image. Its verdict is the one
// that decides single versus multiple faces.
func (l *Locator) Count(ctx context.Context, d Detector, img *image.NRGBA) Outcome {
	faces, err := d.DetectFaces(ctx, img, l.MinConfidence)
	if err != nil {
		l.log.Error("face detection failed", zap.Error(err))
		return Outcome{Kind: DetectionFailed, Err: err}
	}
	switch n := len(faces); {
	case n == 0:
		l.log.Info("no faces detected")
		return Outcome{Kind: NoFace}
	case n > 1:
		l.log.Info("multiple faces detected", zap.Int("count", n))
		return Outcome{Kind: MultipleFaces, Count: n}
	}
	l.log.Info("single face detected, proceeding to face encoding")
	return Outcome{Kind: SingleFace, Count: 1}
}

// Encode downsizes img for speed, relocates faces in that geometry and
// returns the first embedding. Errors and empty results map to NoEncoding.
func (l *Locator) Encode(ctx context.Context, d Detector, img *image.NRGBA) Outcome {
	small, err := imaging.Downscale(img, l.MaxEncodeSide)
	if err != nil {
		l.log.Error("downscaling for encoding failed", zap.Error(err))
		return Outcome{Kind: NoEncoding, Err: err}
	}

	faces, err := d.LocateFaces(ctx, small)
	if err != nil {
		l.log.Error("face localization for encoding failed", zap.Error(err))
		return Outcome{Kind: NoEncoding, Err: err}
	}
	if len(faces) == 0 {
		l.log.Info("no faces found in the image during encoding")
		return Outcome{Kind: NoEncoding}
	}
	if len(faces) > 1 {
		// The counting pass is authoritative; this only affects which box is encoded.
		l.log.Warn("encoding pass located more faces than counting pass", zap.Int("located", len(faces)))
	}

	embs, err := d.EncodeFaces(ctx, small, faces)
	if err != nil {
		l.log.Error("face encoding failed", zap.Error(err))
		return Outcome{Kind: NoEncoding, Err: err}
	}
	if len(embs) == 0 || len(embs[0]) == 0 {
		l.log.Info("no face encodings generated")
		return Outcome{Kind: NoEncoding}
	}
	l.log.Info("successfully generated face encoding")
	return Outcome{Kind: SingleFace, Count: 1, Embedding: embs[0]}
}

// LocateAndEncode chains Count and Encode.
func (l *Locator) LocateAndEncode(ctx context.Context, d Detector, img *image.NRGBA) Outcome {
	if o := l.Count(ctx, d, img); o.Kind != SingleFace {
		return o
	}
	return l.Encode(ctx, d, img)
}
