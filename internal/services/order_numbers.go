package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/holisticpeople/funnel-checkout/internal/repositories"
)

const (
	orderSequenceName        = "orders"
	defaultOrderNumberPrefix = "FC-"
	orderNumberDigits        = 6
)

// OrderNumberDeps configures order numbering. Start is the last number considered taken, so
// the first order after a migration can continue an existing series. Block greater than one
// reserves numbers in batches per instance, trading strict ordering for fewer contended writes.
type OrderNumberDeps struct {
	Sequences repositories.SequenceRepository
	Prefix    string
	Start     int64
	Block     int
}

type orderNumbers struct {
	sequences repositories.SequenceRepository
	prefix    string
	start     int64
	block     int64

	mu   sync.Mutex
	next int64
	end  int64
}

var _ OrderNumberIssuer = (*orderNumbers)(nil)

// NewOrderNumberIssuer builds the issuer used by order assembly.
func NewOrderNumberIssuer(deps OrderNumberDeps) (OrderNumberIssuer, error) {
	if deps.Sequences == nil {
		return nil, errors.New("order numbers: sequence repository is required")
	}
	if deps.Start < 0 {
		return nil, fmt.Errorf("order numbers: start must not be negative, got %d", deps.Start)
	}
	prefix := strings.TrimSpace(deps.Prefix)
	if prefix == "" {
		prefix = defaultOrderNumberPrefix
	}
	return &orderNumbers{
		sequences: deps.Sequences,
		prefix:    prefix,
		start:     deps.Start,
		block:     int64(max(deps.Block, 1)),
	}, nil
}

// Next returns the next order number, e.g. FC-000123. Numbers past six digits widen rather
// than wrap.
func (o *orderNumbers) Next(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.next == 0 || o.next > o.end {
		first, err := o.sequences.Reserve(ctx, orderSequenceName, o.block, o.start)
		if err != nil {
			return "", err
		}
		o.next, o.end = first, first+o.block-1
	}
	value := o.next
	o.next++
	return fmt.Sprintf("%s%0*d", o.prefix, orderNumberDigits, value), nil
}
