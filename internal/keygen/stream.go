package keygen

import (
	"fmt"

	"github.com/keyforge/keyforge/internal/monitoring"
)

// BatchStream yields batches of generated keys on demand. The stream is
// finite and non-restartable: once exhausted, a fresh stream must be created,
// which re-runs generation with fresh randomness. Uniqueness is enforced by a
// single seen-set spanning the whole stream, so keys never repeat across
// batches.
//
// A caller that stops requesting batches simply abandons the remainder; no
// cleanup is required.
type BatchStream struct {
	generator *Generator
	productID string
	remaining int
	batchSize int
	seen      map[string]struct{}
	err       error
}

// NewBatchStream validates the requested count and batch size and returns a
// stream positioned before the first batch
func (g *Generator) NewBatchStream(productID string, count, batchSize int) (*BatchStream, error) {
	if count < 1 || count > MaxBatchCount {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCount, count)
	}
	if batchSize < 1 || batchSize > MaxBatchSize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBatchSize, batchSize)
	}

	return &BatchStream{
		generator: g,
		productID: productID,
		remaining: count,
		batchSize: batchSize,
		seen:      make(map[string]struct{}, count),
	}, nil
}

// Next generates and returns the next batch. It reports false when the
// stream is exhausted or a generation error occurred; check Err afterwards.
func (s *BatchStream) Next() ([]GeneratedKey, bool) {
	if s.err != nil || s.remaining == 0 {
		return nil, false
	}

	size := s.batchSize
	if s.remaining < size {
		size = s.remaining
	}

	batch := make([]GeneratedKey, 0, size)
	for len(batch) < size {
		key, err := s.generator.generateUnique(s.productID, s.seen)
		if err != nil {
			s.err = err
			return nil, false
		}
		batch = append(batch, key)
	}

	s.remaining -= size
	monitoring.RecordKeysGenerated(size)
	return batch, true
}

// Err returns the first error the stream hit, if any
func (s *BatchStream) Err() error {
	return s.err
}
