package worker

import (
	"context"
	"errors"
	"image"
	"sync"

	"github.com/andresmejia3/faceguard/internal/types"
	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

// engine is the part of PythonWorker the pool relies on.
type engine interface {
	DetectFaces(ctx context.Context, img image.Image, minConfidence float64) ([]types.FaceResult, error)
	LocateFaces(ctx context.Context, img image.Image) ([]types.FaceResult, error)
	EncodeFaces(ctx context.Context, img image.Image, faces []types.FaceResult) ([]types.Embedding, error)
	Broken() bool
	Close()
}

// Pool bounds the number of live worker processes. Each validation call
// holds one Session for its whole duration.
type Pool struct {
	log   *zap.Logger
	slots chan struct{}
	spawn func(ctx context.Context, id int) (engine, error)

	mu     sync.Mutex
	idle   []engine
	nextID int
	closed bool
}

// NewPool creates a pool that lazily starts up to size workers.
func NewPool(cfg Config, size int, log *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		log:   log,
		slots: make(chan struct{}, size),
		spawn: func(_ context.Context, id int) (engine, error) {
			// Workers outlive the request that started them, so they are not
			// bound to its context.
			return NewPythonWorker(context.Background(), id, cfg)
		},
	}
}

// Acquire blocks until a worker is available or ctx is done. The returned
// Session must be released exactly once.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		e := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return &Session{e: e, pool: p}, nil
	}
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	e, err := p.spawn(ctx, id)
	if err != nil {
		<-p.slots
		return nil, err
	}
	p.log.Info("face worker started", zap.Int("worker_id", id))
	return &Session{e: e, pool: p}, nil
}

func (p *Pool) release(e engine) {
	defer func() { <-p.slots }()

	p.mu.Lock()
	if !p.closed && !e.Broken() {
		p.idle = append(p.idle, e)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if e.Broken() {
		p.log.Warn("discarding broken face worker")
	}
	e.Close()
}

// Close stops idle workers. Sessions still held are closed on release.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, e := range idle {
		e.Close()
	}
}

// Session is a scoped lease on one worker.
type Session struct {
	e    engine
	pool *Pool
	once sync.Once
}

func (s *Session) DetectFaces(ctx context.Context, img image.Image, minConfidence float64) ([]types.FaceResult, error) {
	return s.e.DetectFaces(ctx, img, minConfidence)
}

func (s *Session) LocateFaces(ctx context.Context, img image.Image) ([]types.FaceResult, error) {
	return s.e.LocateFaces(ctx, img)
}

func (s *Session) EncodeFaces(ctx context.Context, img image.Image, faces []types.FaceResult) ([]types.Embedding, error) {
	return s.e.EncodeFaces(ctx, img, faces)
}

// Release hands the worker back to the pool, or stops it if it broke.
// Extra calls are no-ops.
func (s *Session) Release() {
	s.once.Do(func() { s.pool.release(s.e) })
}
