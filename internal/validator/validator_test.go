package validator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/faceguard/internal/imaging"
	"github.com/andresmejia3/faceguard/internal/store"
	"github.com/andresmejia3/faceguard/internal/types"
	"github.com/andresmejia3/faceguard/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// Test images carry their ground truth in pixel (0,0): red is the person,
// green is how many faces the fake detector reports.
const (
	markerDetectError = 200
	markerPanic       = 201
	markerNoEncoding  = 202
)

func photo(t *testing.T, person, faces uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.NRGBA{uint8(x * 8), uint8(y * 8), uint8(x * y), 255})
		}
	}
	img.Set(0, 0, color.NRGBA{person, faces, 0, 255})
	return encode(t, img)
}

func flat(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	return encode(t, img)
}

func encode(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func marker(img image.Image) (person, faces uint8) {
	r, g, _, _ := img.At(0, 0).RGBA()
	return uint8(r >> 8), uint8(g >> 8)
}

// stubProcessor reports no edges and an all-black blur, so photo() passes
// the synthetic check on its color diversity and texture alone.
type stubProcessor struct {
	imaging.Processor
	delay time.Duration
}

func (s stubProcessor) Canny(g *image.Gray, _, _ float64) (*image.Gray, error) {
	time.Sleep(s.delay)
	return image.NewGray(g.Bounds()), nil
}

func (s stubProcessor) Filter2D(g *image.Gray, _ imaging.Kernel) (*image.Gray, error) {
	return image.NewGray(g.Bounds()), nil
}

type fakeSessions struct {
	acquired, released atomic.Int32
	err                error
}

func (f *fakeSessions) Acquire(context.Context) (Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.acquired.Add(1)
	return &fakeSession{src: f}, nil
}

type fakeSession struct {
	src  *fakeSessions
	once sync.Once
}

func boxes(n uint8) []types.FaceResult {
	out := make([]types.FaceResult, n)
	for i := range out {
		out[i] = types.FaceResult{Loc: []int{1, 5, 5, 1}, Score: 0.9}
	}
	return out
}

func (s *fakeSession) DetectFaces(_ context.Context, img image.Image, _ float64) ([]types.FaceResult, error) {
	switch p, n := marker(img); p {
	case markerDetectError:
		return nil, errors.New("model not loaded")
	case markerPanic:
		panic("session crashed")
	default:
		return boxes(n), nil
	}
}

func (s *fakeSession) LocateFaces(_ context.Context, img image.Image) ([]types.FaceResult, error) {
	_, n := marker(img)
	return boxes(n), nil
}

func (s *fakeSession) EncodeFaces(_ context.Context, img image.Image, faces []types.FaceResult) ([]types.Embedding, error) {
	p, _ := marker(img)
	if p == markerNoEncoding {
		return nil, nil
	}
	out := make([]types.Embedding, len(faces))
	for i := range out {
		e := make(types.Embedding, types.EmbeddingDim)
		e[0] = float64(p)
		out[i] = e
	}
	return out, nil
}

func (s *fakeSession) Release() {
	s.once.Do(func() { s.src.released.Add(1) })
}

type memMedia struct {
	mu      sync.Mutex
	files   map[string][]byte
	removed []string
}

func newMemMedia() *memMedia { return &memMedia{files: map[string][]byte{}} }

func (m *memMedia) Save(_ context.Context, data []byte) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := mediaRef(data)
	_, exists := m.files[ref]
	m.files[ref] = data
	return ref, !exists, nil
}

func mediaRef(data []byte) string {
	return "validated_images/" + utils.ContentID(data) + ".png"
}

func (m *memMedia) Remove(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, ref)
	m.removed = append(m.removed, ref)
	return nil
}

func newPipeline(sessions SessionSource, log *zap.Logger) *Pipeline {
	return NewPipeline(sessions, Options{Processor: stubProcessor{}}, log)
}

func TestScreenOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		data       func(t *testing.T) []byte
		wantReason Reason
		wantMsg    string
	}{
		{"real photo", func(t *testing.T) []byte { return photo(t, 1, 1) }, ReasonAccepted, MsgValid},
		{"cartoon", flat, ReasonSynthetic, MsgSynthetic},
		{"no face", func(t *testing.T) []byte { return photo(t, 1, 0) }, ReasonNoFace, MsgNoFace},
		{"group photo", func(t *testing.T) []byte { return photo(t, 1, 3) }, ReasonMultipleFaces, MsgMultipleFaces},
		{"blurry face", func(t *testing.T) []byte { return photo(t, markerNoEncoding, 1) }, ReasonNoEncoding, MsgNoEncoding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSessions{}
			d := newPipeline(src, nil).Screen(context.Background(), tt.data(t))

			assert.Equal(t, tt.wantReason, d.Reason)
			assert.Equal(t, tt.wantMsg, d.Message)
			assert.Equal(t, tt.wantReason == ReasonAccepted, d.Accepted)
			assert.Equal(t, d.Accepted, d.Embedding != nil)
			assert.Equal(t, int32(1), src.acquired.Load())
			assert.Equal(t, int32(1), src.released.Load(), "session released on every path")
		})
	}
}

func TestScreenErrorsBecomeRejections(t *testing.T) {
	tests := []struct {
		name       string
		data       func(t *testing.T) []byte
		wantReason Reason
		wantCause  string
	}{
		{"undecodable bytes", func(*testing.T) []byte { return []byte("not an image") }, ReasonInvalidImage, "cannot identify image file"},
		{"detector error", func(t *testing.T) []byte { return photo(t, markerDetectError, 1) }, ReasonInternalError, "model not loaded"},
		{"detector panic", func(t *testing.T) []byte { return photo(t, markerPanic, 1) }, ReasonInternalError, "session crashed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSessions{}
			d := newPipeline(src, nil).Screen(context.Background(), tt.data(t))

			assert.False(t, d.Accepted)
			assert.Equal(t, tt.wantReason, d.Reason)
			assert.True(t, strings.HasPrefix(d.Message, "Error processing image: "), d.Message)
			assert.Contains(t, d.Message, tt.wantCause)
			assert.Equal(t, src.acquired.Load(), src.released.Load())
		})
	}
}

func TestScreenSessionUnavailable(t *testing.T) {
	src := &fakeSessions{err: errors.New("python3 not found")}
	d := newPipeline(src, nil).Screen(context.Background(), photo(t, 1, 1))

	assert.Equal(t, ReasonInternalError, d.Reason)
	assert.Contains(t, d.Message, "python3 not found")
}

func TestStageTimeout(t *testing.T) {
	src := &fakeSessions{}
	p := NewPipeline(src, Options{
		Processor:    stubProcessor{delay: 200 * time.Millisecond},
		StageTimeout: 20 * time.Millisecond,
	}, nil)

	d := p.Screen(context.Background(), photo(t, 1, 1))
	assert.Equal(t, ReasonInternalError, d.Reason)
	assert.Contains(t, d.Message, context.DeadlineExceeded.Error())
	assert.Equal(t, int32(1), src.released.Load())
}

func TestValidateIsPure(t *testing.T) {
	p := newPipeline(&fakeSessions{}, nil)
	enc, err := types.MarshalEncoding(func() types.Embedding {
		e := make(types.Embedding, types.EmbeddingDim)
		e[0] = 7
		return e
	}())
	require.NoError(t, err)
	corpus := []types.CorpusEntry{{RecordID: "rec-7", Encoding: enc}}

	first := p.Validate(context.Background(), photo(t, 7, 1), corpus)
	second := p.Validate(context.Background(), photo(t, 7, 1), corpus)
	assert.Equal(t, first, second)
	assert.Equal(t, ReasonDuplicate, first.Reason)
	assert.Equal(t, MsgDuplicate+" (matches image rec-7)", first.Message)
	assert.Equal(t, "rec-7", first.Duplicate.RecordID)

	fresh := p.Validate(context.Background(), photo(t, 8, 1), corpus)
	assert.True(t, fresh.Accepted)
}

func TestRegisterSequence(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.InfoLevel)
	s := store.NewMemory()
	media := newMemMedia()
	r := NewRegistrar(newPipeline(&fakeSessions{}, zap.New(core)), s, media, zap.New(core))

	photoA := photo(t, 10, 1)
	dA, recA, err := r.Register(ctx, "a.html", photoA)
	require.NoError(t, err)
	require.True(t, dA.Accepted)
	require.NotNil(t, recA)
	assert.Equal(t, MsgValid, recA.ValidationMessage)
	assert.True(t, recA.IsValid)
	assert.Equal(t, mediaRef(photoA), recA.Image, "the client filename does not name the stored file")

	dB, recB, err := r.Register(ctx, "b.png", photo(t, 20, 1))
	require.NoError(t, err)
	require.True(t, dB.Accepted)
	require.NotNil(t, recB)

	dA2, recA2, err := r.Register(ctx, "a-again.png", photo(t, 10, 1))
	require.NoError(t, err)
	assert.False(t, dA2.Accepted)
	assert.Nil(t, recA2)
	assert.Equal(t, ReasonDuplicate, dA2.Reason)
	assert.Contains(t, dA2.Message, recA.ID)

	dC, _, err := r.Register(ctx, "c.png", photo(t, 30, 1))
	require.NoError(t, err)
	assert.True(t, dC.Accepted)

	entries, err := s.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Len(t, media.files, 3)
	assert.Equal(t, 1, logs.FilterMessage("duplicate face found").Len())
}

func TestRejectionsPersistNothing(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	media := newMemMedia()
	r := NewRegistrar(newPipeline(&fakeSessions{}, nil), s, media, nil)

	for _, data := range [][]byte{flat(t), photo(t, 1, 0), photo(t, 1, 2), []byte("junk")} {
		d, rec, err := r.Register(ctx, "x.png", data)
		require.NoError(t, err)
		assert.False(t, d.Accepted)
		assert.Nil(t, rec)
	}

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, media.files)
}

func TestRegisterEmptyUpload(t *testing.T) {
	r := NewRegistrar(newPipeline(&fakeSessions{}, nil), store.NewMemory(), newMemMedia(), nil)
	_, _, err := r.Register(context.Background(), "x.png", nil)
	assert.ErrorIs(t, err, ErrNoImage)
}

// failingStore accepts the lock but refuses every append.
type failingStore struct {
	*store.Memory
	err error
}

func (f failingStore) WithCorpusLock(ctx context.Context, fn func(context.Context, store.Corpus) error) error {
	return f.Memory.WithCorpusLock(ctx, func(ctx context.Context, c store.Corpus) error {
		return fn(ctx, failingCorpus{Corpus: c, err: f.err})
	})
}

type failingCorpus struct {
	store.Corpus
	err error
}

func (f failingCorpus) Append(context.Context, *types.Record) error { return f.err }

func TestRegisterStorageFailureRemovesImage(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection reset")
	s := failingStore{Memory: store.NewMemory(), err: boom}
	media := newMemMedia()
	r := NewRegistrar(newPipeline(&fakeSessions{}, nil), s, media, nil)

	data := photo(t, 10, 1)
	d, rec, err := r.Register(ctx, "a.png", data)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, rec)
	assert.True(t, d.Accepted, "the image itself was fine")
	assert.Empty(t, media.files)
	assert.Equal(t, []string{mediaRef(data)}, media.removed)

	entries, err := s.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConcurrentUploadsOfSamePersonAcceptOnce(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r := NewRegistrar(newPipeline(&fakeSessions{}, nil), s, newMemMedia(), nil)

	const uploads = 8
	var accepted, duplicates atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, _, err := r.Register(ctx, fmt.Sprintf("%d.png", i), photo(t, 42, 1))
			if err != nil {
				t.Error(err)
				return
			}
			switch d.Reason {
			case ReasonAccepted:
				accepted.Add(1)
			case ReasonDuplicate:
				duplicates.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(uploads-1), duplicates.Load())
}

func TestCheckDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	media := newMemMedia()
	r := NewRegistrar(newPipeline(&fakeSessions{}, nil), s, media, nil)

	d, err := r.Check(ctx, photo(t, 10, 1))
	require.NoError(t, err)
	assert.True(t, d.Accepted)

	_, rec, err := r.Register(ctx, "a.png", photo(t, 10, 1))
	require.NoError(t, err)
	require.NotNil(t, rec)

	d, err = r.Check(ctx, photo(t, 10, 1))
	require.NoError(t, err)
	assert.Equal(t, ReasonDuplicate, d.Reason)

	entries, err := s.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
