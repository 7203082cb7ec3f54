package store

import (
	"context"
	"errors"
	"strings"

	"github.com/andresmejia3/faceguard/internal/types"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("record not found")

// memoryScheme selects the in-process store instead of PostgreSQL.
const memoryScheme = "memory://"

// maxMessageLen mirrors the validation_message column width.
const maxMessageLen = 255

// Corpus is the view of the embedding corpus available inside the
// exclusive section.
type Corpus interface {
	// Entries returns every stored encoding in insertion order.
	Entries(ctx context.Context) ([]types.CorpusEntry, error)
	// Append persists an accepted record together with its embedding.
	Append(ctx context.Context, rec *types.Record) error
}

// Store persists validated images and their face encodings.
type Store interface {
	// WithCorpusLock runs fn while holding the corpus-wide exclusive lock.
	// Appends made by fn are only visible to others if fn returns nil.
	WithCorpusLock(ctx context.Context, fn func(ctx context.Context, c Corpus) error) error
	// Entries is an unlocked snapshot of the corpus, for read-only checks.
	Entries(ctx context.Context) ([]types.CorpusEntry, error)
	Get(ctx context.Context, id string) (*types.Record, error)
	List(ctx context.Context) ([]types.Record, error)
	Reset(ctx context.Context) error
	Close(ctx context.Context)
}

// Open picks the implementation from the connection string.
func Open(ctx context.Context, connString string, log *zap.Logger) (Store, error) {
	if strings.HasPrefix(connString, memoryScheme) {
		return NewMemory(), nil
	}
	pg, err := New(ctx, connString, log)
	if err != nil {
		return nil, err
	}
	return pg, nil
}

func clipMessage(s string) string {
	r := []rune(s)
	if len(r) <= maxMessageLen {
		return s
	}
	return string(r[:maxMessageLen])
}
