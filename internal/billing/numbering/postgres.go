package numbering

import (
	"context"

	"github.com/odyssey-erp/odyssey-billing/internal/platform/db"
)

const nextSequenceSQL = `
	INSERT INTO document_sequences (prefix, period, seq)
	VALUES ($1, $2, 1)
	ON CONFLICT (prefix, period)
	DO UPDATE SET seq = document_sequences.seq + 1, updated_at = NOW()
	RETURNING seq
`

// PGSequencer increments the document_sequences row of a scope. The upsert
// takes a row lock, so concurrent allocations in the same scope serialise and
// roll back together with the surrounding transaction.
type PGSequencer struct {
	db db.DBTX
}

// NewPGSequencer binds the sequencer to a pool or a transaction.
func NewPGSequencer(conn db.DBTX) *PGSequencer {
	return &PGSequencer{db: conn}
}

// NextSequence implements Sequencer.
func (s *PGSequencer) NextSequence(ctx context.Context, prefix, period string) (int64, error) {
	var seq int64
	if err := s.db.QueryRow(ctx, nextSequenceSQL, prefix, period).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}
