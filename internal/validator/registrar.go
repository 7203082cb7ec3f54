package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/faceguard/internal/store"
	"github.com/andresmejia3/faceguard/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNoImage is returned when an upload carries no bytes.
var ErrNoImage = errors.New("no image provided")

// ImageSaver keeps the accepted image bytes and hands back a reference.
type ImageSaver interface {
	// Save reports created=false when an identical file was already stored.
	// The stored name derives from data alone.
	Save(ctx context.Context, data []byte) (ref string, created bool, err error)
	Remove(ctx context.Context, ref string) error
}

// Registrar validates uploads and records the accepted ones. The duplicate
// check and the append happen in one exclusive section per corpus, so two
// concurrent uploads of the same person cannot both be accepted.
type Registrar struct {
	pipeline *Pipeline
	store    store.Store
	media    ImageSaver
	log      *zap.Logger

	now   func() time.Time
	newID func() string
}

func NewRegistrar(p *Pipeline, s store.Store, media ImageSaver, log *zap.Logger) *Registrar {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registrar{
		pipeline: p,
		store:    s,
		media:    media,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// Register runs the full validation and, on acceptance, persists the image
// and its embedding. A rejection is a Decision with a nil record and nil
// error; err is only set for storage failures.
func (r *Registrar) Register(ctx context.Context, filename string, data []byte) (Decision, *types.Record, error) {
	if len(data) == 0 {
		return Decision{}, nil, ErrNoImage
	}

	d := r.pipeline.Screen(ctx, data)
	if !d.Accepted {
		return d, nil, nil
	}

	var (
		rec     *types.Record
		savedTo string
	)
	err := r.store.WithCorpusLock(ctx, func(ctx context.Context, c store.Corpus) error {
		corpus, err := c.Entries(ctx)
		if err != nil {
			return fmt.Errorf("read corpus: %w", err)
		}
		if d = r.pipeline.Decide(d, corpus); !d.Accepted {
			return nil
		}

		ref, created, err := r.media.Save(ctx, data)
		if err != nil {
			return fmt.Errorf("save image: %w", err)
		}
		if created {
			savedTo = ref
		}

		candidate := &types.Record{
			ID:                r.newID(),
			Image:             ref,
			IsValid:           true,
			ValidationMessage: d.Message,
			UploadedAt:        r.now(),
			Embedding:         d.Embedding,
		}
		if err := c.Append(ctx, candidate); err != nil {
			return fmt.Errorf("append record: %w", err)
		}
		rec = candidate
		return nil
	})
	if err != nil {
		if savedTo != "" {
			if rmErr := r.media.Remove(context.WithoutCancel(ctx), savedTo); rmErr != nil {
				r.log.Warn("could not remove orphaned image", zap.String("image", savedTo), zap.Error(rmErr))
			}
		}
		r.log.Error("image registration failed", zap.Error(err))
		return d, nil, err
	}

	if rec != nil {
		r.log.Info("image registered", zap.String("record_id", rec.ID), zap.String("upload", filename), zap.String("image", rec.Image))
	}
	return d, rec, nil
}

// Check validates against the current corpus without persisting anything.
func (r *Registrar) Check(ctx context.Context, data []byte) (Decision, error) {
	if len(data) == 0 {
		return Decision{}, ErrNoImage
	}
	d := r.pipeline.Screen(ctx, data)
	if !d.Accepted {
		return d, nil
	}
	corpus, err := r.store.Entries(ctx)
	if err != nil {
		return d, fmt.Errorf("read corpus: %w", err)
	}
	return r.pipeline.Decide(d, corpus), nil
}
