package store

import (
	"context"
	"sync"

	"github.com/andresmejia3/faceguard/internal/types"
)

// Memory is an in-process Store. Records are lost on exit.
type Memory struct {
	lock sync.Mutex // corpus-wide exclusive section

	mu      sync.RWMutex
	records []types.Record
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) WithCorpusLock(ctx context.Context, fn func(ctx context.Context, c Corpus) error) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	tx := &memCorpus{m: m}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.mu.Lock()
	m.records = append(m.records, tx.pending...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Entries(context.Context) ([]types.CorpusEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return corpusOf(m.records, nil)
}

func corpusOf(committed, pending []types.Record) ([]types.CorpusEntry, error) {
	out := make([]types.CorpusEntry, 0, len(committed)+len(pending))
	for _, set := range [][]types.Record{committed, pending} {
		for _, r := range set {
			if len(r.Embedding) == 0 {
				continue
			}
			enc, err := types.MarshalEncoding(r.Embedding)
			if err != nil {
				return nil, err
			}
			out = append(out, types.CorpusEntry{RecordID: r.ID, Encoding: enc})
		}
	}
	return out, nil
}

func (m *Memory) Get(_ context.Context, id string) (*types.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.records {
		if r.ID == id {
			out := r
			out.Embedding = nil
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// List returns every record, newest first.
func (m *Memory) List(context.Context) ([]types.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Record, 0, len(m.records))
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		r.Embedding = nil
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	m.records = nil
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close(context.Context) {}

// memCorpus buffers appends so a failing fn leaves no trace.
type memCorpus struct {
	m       *Memory
	pending []types.Record
}

func (c *memCorpus) Entries(context.Context) ([]types.CorpusEntry, error) {
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	return corpusOf(c.m.records, c.pending)
}

func (c *memCorpus) Append(_ context.Context, rec *types.Record) error {
	if _, err := types.MarshalEncoding(rec.Embedding); err != nil {
		return err
	}
	r := *rec
	r.ValidationMessage = clipMessage(r.ValidationMessage)
	r.Embedding = append(types.Embedding(nil), rec.Embedding...)
	c.pending = append(c.pending, r)
	return nil
}
