// Package matcher finds previously accepted faces close to a new one.
//
// The scan is linear in corpus size and reports the first entry under the
// threshold in corpus order, not necessarily the closest one. Swapping in a
// nearest-neighbor index would change which record is reported.
package matcher

import (
	"fmt"
	"math"

	"github.com/andresmejia3/faceguard/internal/types"
	"go.uber.org/zap"
)

// DefaultThreshold is the conventional cut-off for 128-d face encodings.
const DefaultThreshold = 0.6

// Match identifies the stored record a candidate collided with.
type Match struct {
	RecordID string
	Distance float64
}

type Matcher struct {
	Threshold float64
	log       *zap.Logger
}

func New(threshold float64, log *zap.Logger) *Matcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Matcher{Threshold: threshold, log: log}
}

// FindDuplicate scans corpus in order and returns the first entry whose
// distance to candidate is strictly below the threshold. Entries that fail
// to decode or compare are skipped. A nil candidate never matches.
func (m *Matcher) FindDuplicate(candidate types.Embedding, corpus []types.CorpusEntry) (bool, *Match) {
	if candidate == nil {
		m.log.Info("no encoding provided for duplicate check")
		return false, nil
	}
	for _, entry := range corpus {
		stored, err := types.ParseEncoding(entry.Encoding)
		if err != nil {
			m.log.Warn("skipping undecodable stored encoding", zap.String("record_id", entry.RecordID), zap.Error(err))
			continue
		}
		dist, err := Distance(stored, candidate)
		if err != nil {
			m.log.Warn("skipping incomparable stored encoding", zap.String("record_id", entry.RecordID), zap.Error(err))
			continue
		}
		m.log.Debug("face distance", zap.String("record_id", entry.RecordID), zap.Float64("distance", dist))
		if dist < m.Threshold {
			return true, &Match{RecordID: entry.RecordID, Distance: dist}
		}
	}
	return false, nil
}

// Distance is the Euclidean distance between two embeddings of equal length.
func Distance(a, b types.Embedding) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	dist := math.Sqrt(sum)
	if math.IsNaN(dist) {
		return 0, fmt.Errorf("distance is NaN")
	}
	return dist, nil
}
