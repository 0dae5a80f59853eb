// Package repositories declares the persistence contracts used by the checkout services.
// Firestore and in-memory implementations live in subpackages.
package repositories

import (
	"context"
	"time"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
)

// Registry exposes the repositories and their shared lifecycle.
type Registry interface {
	Close(ctx context.Context) error

	Drafts() DraftRepository
	Orders() OrderRepository
	Products() ProductRepository
	Funnels() FunnelRepository
	Points() PointsRepository
	Sequences() SequenceRepository
}

// RepositoryError categorises persistence failures for services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// DraftRepository stores pre-payment checkout snapshots and the processor correlation index.
type DraftRepository interface {
	// Create assigns the id when empty and writes the draft once.
	Create(ctx context.Context, draft domain.Draft) (domain.Draft, error)
	// Get returns found=false for unknown ids.
	Get(ctx context.Context, id string) (domain.Draft, bool, error)
	FindByCorrelationID(ctx context.Context, correlationID string) (domain.Draft, bool, error)
	Update(ctx context.Context, draft domain.Draft) error
	// Delete removes the draft and its correlation entry. Missing drafts are not an error.
	Delete(ctx context.Context, id string) error
	// AttachCorrelation stores the processor id on the draft and in the reverse index together.
	AttachCorrelation(ctx context.Context, draftID, correlationID string) error
	// Claim moves a pending draft to consuming. Missing or already claimed drafts return a
	// not-found error, so at most one caller wins.
	Claim(ctx context.Context, id string) (domain.Draft, error)
	// Release returns a claimed draft to pending.
	Release(ctx context.Context, id string) error
}

// PointsDeduction debits redeemed points when an order is written.
type PointsDeduction struct {
	CustomerEmail string
	Points        int64
}

// OrderRepository persists orders. Orders are written whole and only grow afterwards.
type OrderRepository interface {
	// Create writes the order and applies the optional points deduction in one transaction.
	// Balances never go below zero.
	Create(ctx context.Context, order domain.Order, deduction *PointsDeduction) (domain.Order, error)
	Get(ctx context.Context, id string) (domain.Order, error)
	FindByTransactionID(ctx context.Context, transactionID string) (domain.Order, error)
	// AcquireAppendLock fails with a conflict error while another holder's lock is unexpired.
	AcquireAppendLock(ctx context.Context, orderID, holder string, ttl time.Duration, now time.Time) error
	ReleaseAppendLock(ctx context.Context, orderID, holder string) error
	// Append applies mutate to the stored order in a transaction that first verifies holder
	// owns the append lock.
	Append(ctx context.Context, orderID, holder string, mutate func(*domain.Order) error) (domain.Order, error)
}

// ProductRepository reads catalog products.
type ProductRepository interface {
	// GetMany returns the products found, keyed by SKU. Missing SKUs are omitted.
	GetMany(ctx context.Context, skus []string) (map[string]domain.Product, error)
}

// FunnelRepository reads funnel configuration.
type FunnelRepository interface {
	Get(ctx context.Context, id string) (domain.FunnelConfig, error)
}

// PointsRepository reads customer loyalty balances.
type PointsRepository interface {
	// Balance returns zero for customers without a balance record.
	Balance(ctx context.Context, customerEmail string) (int64, error)
}

// SequenceRepository hands out contiguous ranges of a named sequence.
type SequenceRepository interface {
	// Reserve claims size consecutive values and returns the first. A sequence seen for the
	// first time starts at floor+1; an existing sequence below floor jumps forward to it.
	Reserve(ctx context.Context, name string, size, floor int64) (int64, error)
}

// HealthRepository probes dependencies for the readiness endpoint.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
