// Package validator decides whether an uploaded image shows exactly one real,
// previously unseen human face.
package validator

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/andresmejia3/faceguard/internal/face"
	"github.com/andresmejia3/faceguard/internal/imaging"
	"github.com/andresmejia3/faceguard/internal/matcher"
	"github.com/andresmejia3/faceguard/internal/synthetic"
	"github.com/andresmejia3/faceguard/internal/types"
	"go.uber.org/zap"
)

// Messages returned to the uploader.
const (
	MsgValid         = "Valid human image detected"
	MsgSynthetic     = "Please upload a real photo. Animations, sketches, and cartoons are not allowed."
	MsgNoFace        = "No human face detected in the image"
	MsgMultipleFaces = "Multiple faces detected. Please upload an image with exactly one person"
	MsgNoEncoding    = "Could not generate face encoding. Please try a clearer image"
	MsgDuplicate     = "Duplicate face found! This person was already uploaded"
	msgErrorPrefix   = "Error processing image: "
)

// Reason classifies a decision.
type Reason int

const (
	ReasonAccepted Reason = iota
	ReasonInvalidImage
	ReasonSynthetic
	ReasonNoFace
	ReasonMultipleFaces
	ReasonNoEncoding
	ReasonDuplicate
	ReasonInternalError
)

func (r Reason) String() string {
	return [...]string{
		"accepted", "invalid_image", "synthetic", "no_face",
		"multiple_faces", "no_encoding", "duplicate", "internal_error",
	}[r]
}

// Decision is the single outcome of a validation run. Embedding is only set
// when Accepted; Duplicate only when Reason is ReasonDuplicate.
type Decision struct {
	Accepted  bool
	Reason    Reason
	Message   string
	Embedding types.Embedding
	Duplicate *matcher.Match
}

func reject(r Reason, msg string) Decision {
	return Decision{Reason: r, Message: msg}
}

func internalError(err error) Decision {
	return reject(ReasonInternalError, msgErrorPrefix+err.Error())
}

// Session is a scoped lease on the face capability.
type Session interface {
	face.Detector
	Release()
}

// SessionSource hands out sessions, typically a worker pool.
type SessionSource interface {
	Acquire(ctx context.Context) (Session, error)
}

// SessionFunc adapts a function to SessionSource.
type SessionFunc func(ctx context.Context) (Session, error)

func (f SessionFunc) Acquire(ctx context.Context) (Session, error) { return f(ctx) }

// Options tunes the pipeline. Zero values fall back to defaults.
type Options struct {
	MinConfidence float64
	MaxEncodeSide int
	Threshold     float64
	StageTimeout  time.Duration
	Processor     synthetic.Processor
}

func (o *Options) defaults() {
	if o.MinConfidence <= 0 {
		o.MinConfidence = face.DefaultMinConfidence
	}
	if o.MaxEncodeSide <= 0 {
		o.MaxEncodeSide = face.DefaultMaxEncodeSide
	}
	if o.Threshold <= 0 {
		o.Threshold = matcher.DefaultThreshold
	}
}

// Pipeline runs the checks in a fixed order and stops at the first failure.
// It never persists anything.
type Pipeline struct {
	detector     *synthetic.Detector
	locator      *face.Locator
	matcher      *matcher.Matcher
	sessions     SessionSource
	stageTimeout time.Duration
	log          *zap.Logger
}

func NewPipeline(sessions SessionSource, opts Options, log *zap.Logger) *Pipeline {
	opts.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		detector:     synthetic.NewDetector(opts.Processor, log.Named("synthetic")),
		locator:      face.NewLocator(opts.MinConfidence, opts.MaxEncodeSide, log.Named("face")),
		matcher:      matcher.New(opts.Threshold, log.Named("matcher")),
		sessions:     sessions,
		stageTimeout: opts.StageTimeout,
		log:          log,
	}
}

// Validate runs every check against a corpus snapshot.
func (p *Pipeline) Validate(ctx context.Context, data []byte, corpus []types.CorpusEntry) Decision {
	return p.Decide(p.Screen(ctx, data), corpus)
}

// Screen runs every check except duplicate matching. An accepted screening
// carries the embedding to hand to Decide.
func (p *Pipeline) Screen(ctx context.Context, data []byte) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			d = internalError(fmt.Errorf("%v", r))
		}
		p.log.Info("image screening finished", zap.Bool("accepted", d.Accepted), zap.Stringer("reason", d.Reason))
	}()

	sess, err := p.sessions.Acquire(ctx)
	if err != nil {
		p.log.Error("could not acquire face detection session", zap.Error(err))
		return internalError(fmt.Errorf("face detection unavailable: %w", err))
	}
	defer sess.Release()

	// 1. Decode
	img, err := runStage(ctx, p.stageTimeout, "decode", func(context.Context) (*image.NRGBA, error) {
		return imaging.Decode(data)
	})
	if err != nil {
		p.log.Info("image could not be decoded", zap.Error(err))
		return reject(ReasonInvalidImage, msgErrorPrefix+err.Error())
	}

	// 2. Synthetic imagery
	analysis, err := runStage(ctx, p.stageTimeout, "synthetic check", func(context.Context) (synthetic.Analysis, error) {
		return p.detector.Analyze(img), nil
	})
	if err != nil {
		return internalError(err)
	}
	if analysis.Synthetic {
		p.log.Info("animated or sketched image detected", zap.Stringer("signal", analysis.Signal))
		return reject(ReasonSynthetic, MsgSynthetic)
	}

	// 3. Face count. Worker calls honour the deadline themselves and mark the
	// session broken, so they run inline rather than in runStage.
	stageCtx, cancel := p.stageContext(ctx)
	count := p.locator.Count(stageCtx, sess, img)
	cancel()
	switch count.Kind {
	case face.NoFace:
		return reject(ReasonNoFace, MsgNoFace)
	case face.MultipleFaces:
		return reject(ReasonMultipleFaces, MsgMultipleFaces)
	case face.DetectionFailed:
		return internalError(fmt.Errorf("face detection: %w", count.Err))
	}

	// 4. Encoding
	stageCtx, cancel = p.stageContext(ctx)
	enc := p.locator.Encode(stageCtx, sess, img)
	cancel()
	if enc.Kind != face.SingleFace {
		return reject(ReasonNoEncoding, MsgNoEncoding)
	}

	return Decision{Accepted: true, Reason: ReasonAccepted, Message: MsgValid, Embedding: enc.Embedding}
}

// Decide applies duplicate matching to a screening result.
func (p *Pipeline) Decide(screened Decision, corpus []types.CorpusEntry) (d Decision) {
	if !screened.Accepted {
		return screened
	}
	defer func() {
		if r := recover(); r != nil {
			d = internalError(fmt.Errorf("%v", r))
		}
	}()

	if dup, match := p.matcher.FindDuplicate(screened.Embedding, corpus); dup {
		p.log.Info("duplicate face found", zap.String("record_id", match.RecordID), zap.Float64("distance", match.Distance))
		d = reject(ReasonDuplicate, fmt.Sprintf("%s (matches image %s)", MsgDuplicate, match.RecordID))
		d.Duplicate = match
		return d
	}
	p.log.Info("image validation successful")
	return screened
}

func (p *Pipeline) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.stageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.stageTimeout)
}
