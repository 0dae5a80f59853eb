package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/holisticpeople/funnel-checkout/internal/platform/firestore"
	"github.com/holisticpeople/funnel-checkout/internal/repositories"
)

const (
	sequencesCollection = "sequences"
	sequenceTxAttempts  = 10
)

type sequenceDocument struct {
	Last       int64     `firestore:"last"`
	Reserved   int64     `firestore:"reserved"`
	ReservedAt time.Time `firestore:"reservedAt"`
}

// SequenceRepository reserves order number ranges in one document per sequence.
type SequenceRepository struct {
	provider  *pfirestore.Provider
	sequences *pfirestore.Collection[sequenceDocument]
	now       func() time.Time
}

var _ repositories.SequenceRepository = (*SequenceRepository)(nil)

func NewSequenceRepository(provider *pfirestore.Provider) (*SequenceRepository, error) {
	if provider == nil {
		return nil, errors.New("sequence repository requires firestore provider")
	}
	return &SequenceRepository{
		provider:  provider,
		sequences: pfirestore.NewCollection[sequenceDocument](provider, sequencesCollection),
		now:       time.Now,
	}, nil
}

// Reserve advances the sequence by size inside a transaction. Every checkout instance contends
// on the same document, so the retry budget is wider than the provider default.
func (r *SequenceRepository) Reserve(ctx context.Context, name string, size, floor int64) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" || size <= 0 {
		return 0, repositories.ErrInvalidReservation
	}
	ref, err := r.sequences.Doc(ctx, name)
	if err != nil {
		return 0, err
	}

	var first int64
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := r.sequences.GetTx(tx, ref)
		exists := err == nil
		if err != nil && !repositories.IsNotFound(err) {
			return err
		}
		start := max(doc.Last, floor)
		first = start + 1
		doc = sequenceDocument{Last: start + size, Reserved: size, ReservedAt: r.now().UTC()}
		if !exists {
			return tx.Create(ref, doc)
		}
		return tx.Set(ref, doc)
	}, pfirestore.WithTxAttempts(sequenceTxAttempts))
	if err != nil {
		return 0, pfirestore.WrapError("sequences.reserve", err)
	}
	return first, nil
}
