package face

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/andresmejia3/faceguard/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeDetector struct {
	detected  []types.FaceResult
	located   []types.FaceResult
	embs      []types.Embedding
	detectErr error
	locateErr error
	encodeErr error

	detectSize image.Point
	locateSize image.Point
	encodeSize image.Point
	confidence float64
	encoded    []types.FaceResult
}

func (f *fakeDetector) DetectFaces(_ context.Context, img image.Image, c float64) ([]types.FaceResult, error) {
	f.detectSize = img.Bounds().Size()
	f.confidence = c
	return f.detected, f.detectErr
}

func (f *fakeDetector) LocateFaces(_ context.Context, img image.Image) ([]types.FaceResult, error) {
	f.locateSize = img.Bounds().Size()
	return f.located, f.locateErr
}

func (f *fakeDetector) EncodeFaces(_ context.Context, img image.Image, faces []types.FaceResult) ([]types.Embedding, error) {
	f.encodeSize = img.Bounds().Size()
	f.encoded = faces
	return f.embs, f.encodeErr
}

func box(top, right, bottom, left int) types.FaceResult {
	return types.FaceResult{Loc: []int{top, right, bottom, left}, Score: 0.9}
}

func vec(v float64) types.Embedding {
	e := make(types.Embedding, types.EmbeddingDim)
	e[0] = v
	return e
}

func raster(w, h int) *image.NRGBA {
	return image.NewNRGBA(image.Rect(0, 0, w, h))
}

func TestCount(t *testing.T) {
	tests := []struct {
		name      string
		faces     []types.FaceResult
		err       error
		wantKind  Kind
		wantCount int
	}{
		{"no faces", nil, nil, NoFace, 0},
		{"one face", []types.FaceResult{box(1, 2, 3, 0)}, nil, SingleFace, 1},
		{"two faces", []types.FaceResult{box(1, 2, 3, 0), box(5, 9, 9, 5)}, nil, MultipleFaces, 2},
		{"detector error", nil, errors.New("session crashed"), DetectionFailed, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDetector{detected: tt.faces, detectErr: tt.err}
			l := NewLocator(DefaultMinConfidence, DefaultMaxEncodeSide, nil)

			o := l.Count(context.Background(), d, raster(10, 10))
			assert.Equal(t, tt.wantKind, o.Kind)
			assert.Equal(t, tt.wantCount, o.Count)
			assert.Equal(t, DefaultMinConfidence, d.confidence)
			if tt.err != nil {
				assert.ErrorIs(t, o.Err, tt.err)
			}
		})
	}
}

func TestLocateAndEncodeUsesDownscaledImageForEmbedding(t *testing.T) {
	d := &fakeDetector{
		detected: []types.FaceResult{box(100, 500, 500, 100)},
		located:  []types.FaceResult{box(50, 250, 250, 50)},
		embs:     []types.Embedding{vec(0.25)},
	}
	l := NewLocator(DefaultMinConfidence, DefaultMaxEncodeSide, nil)

	o := l.LocateAndEncode(context.Background(), d, raster(1600, 1200))

	require.Equal(t, SingleFace, o.Kind)
	assert.Equal(t, 0.25, o.Embedding[0])
	assert.Equal(t, image.Pt(1600, 1200), d.detectSize, "counting runs at full resolution")
	assert.Equal(t, image.Pt(800, 600), d.locateSize)
	assert.Equal(t, image.Pt(800, 600), d.encodeSize)
	assert.Equal(t, d.located, d.encoded)
}

func TestEncodePassDisagreementKeepsCountVerdict(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	d := &fakeDetector{
		detected: []types.FaceResult{box(1, 2, 3, 0)},
		located:  []types.FaceResult{box(1, 2, 3, 0), box(5, 9, 9, 5)},
		embs:     []types.Embedding{vec(1), vec(2)},
	}
	l := NewLocator(DefaultMinConfidence, DefaultMaxEncodeSide, zap.New(core))

	o := l.LocateAndEncode(context.Background(), d, raster(10, 10))

	require.Equal(t, SingleFace, o.Kind)
	assert.Equal(t, 1.0, o.Embedding[0], "first embedding wins")
	assert.Equal(t, 1, logs.FilterMessage("encoding pass located more faces than counting pass").Len())
}

func TestEncodeFailuresYieldNoEncoding(t *testing.T) {
	tests := []struct {
		name string
		d    *fakeDetector
	}{
		{"relocation finds nothing", &fakeDetector{}},
		{"relocation error", &fakeDetector{locateErr: errors.New("hog failed")}},
		{"encoder error", &fakeDetector{located: []types.FaceResult{box(1, 2, 3, 0)}, encodeErr: errors.New("dlib failed")}},
		{"encoder returns nothing", &fakeDetector{located: []types.FaceResult{box(1, 2, 3, 0)}}},
		{"encoder returns empty vector", &fakeDetector{located: []types.FaceResult{box(1, 2, 3, 0)}, embs: []types.Embedding{{}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLocator(DefaultMinConfidence, DefaultMaxEncodeSide, nil)
			o := l.Encode(context.Background(), tt.d, raster(10, 10))
			assert.Equal(t, NoEncoding, o.Kind)
			assert.Nil(t, o.Embedding)
		})
	}
}

func TestLocateAndEncodeStopsAfterCount(t *testing.T) {
	d := &fakeDetector{located: []types.FaceResult{box(1, 2, 3, 0)}}
	l := NewLocator(DefaultMinConfidence, DefaultMaxEncodeSide, nil)

	o := l.LocateAndEncode(context.Background(), d, raster(10, 10))
	assert.Equal(t, NoFace, o.Kind)
	assert.Equal(t, image.Point{}, d.locateSize, "encoding pass must not run")
}
