// Package memory implements the repositories in process memory for local runs and tests.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
	"github.com/holisticpeople/funnel-checkout/internal/repositories"
)

// Store holds every collection behind one mutex so order creation and points deduction share
// a single critical section, mirroring the Firestore transaction.
type Store struct {
	mu          sync.Mutex
	now         func() time.Time
	drafts      map[string]domain.Draft
	correlation map[string]string
	orders      map[string]domain.Order
	products    map[string]domain.Product
	funnels     map[string]domain.FunnelConfig
	points      map[string]int64
	sequences   map[string]int64
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the store clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		drafts:      make(map[string]domain.Draft),
		correlation: make(map[string]string),
		orders:      make(map[string]domain.Order),
		products:    make(map[string]domain.Product),
		funnels:     make(map[string]domain.FunnelConfig),
		points:      make(map[string]int64),
		sequences:   make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ repositories.Registry = (*Store)(nil)

func (s *Store) Close(context.Context) error { return nil }

func (s *Store) Drafts() repositories.DraftRepository       { return draftRepository{s} }
func (s *Store) Orders() repositories.OrderRepository       { return orderRepository{s} }
func (s *Store) Products() repositories.ProductRepository   { return productRepository{s} }
func (s *Store) Funnels() repositories.FunnelRepository     { return funnelRepository{s} }
func (s *Store) Points() repositories.PointsRepository      { return pointsRepository{s} }
func (s *Store) Sequences() repositories.SequenceRepository { return sequenceRepository{s} }

// PutProduct seeds a catalog product.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.SKU] = product
}

// PutFunnel seeds a funnel configuration.
func (s *Store) PutFunnel(funnel domain.FunnelConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funnels[funnel.ID] = funnel
}

// SetPoints seeds a customer's points balance.
func (s *Store) SetPoints(email string, points int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[emailKey(email)] = points
}

func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type productRepository struct{ s *Store }

func (r productRepository) GetMany(_ context.Context, skus []string) (map[string]domain.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[string]domain.Product, len(skus))
	for _, sku := range skus {
		if product, ok := r.s.products[sku]; ok {
			out[sku] = product
		}
	}
	return out, nil
}

type funnelRepository struct{ s *Store }

func (r funnelRepository) Get(_ context.Context, id string) (domain.FunnelConfig, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	funnel, ok := r.s.funnels[strings.TrimSpace(id)]
	if !ok {
		return domain.FunnelConfig{}, repositories.NewNotFound("funnels.get", "funnel "+id+" not found")
	}
	return funnel, nil
}

type pointsRepository struct{ s *Store }

func (r pointsRepository) Balance(_ context.Context, email string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.points[emailKey(email)], nil
}

type sequenceRepository struct{ s *Store }

func (r sequenceRepository) Reserve(_ context.Context, name string, size, floor int64) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" || size <= 0 {
		return 0, repositories.ErrInvalidReservation
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	last := max(r.s.sequences[name], floor)
	r.s.sequences[name] = last + size
	return last + 1, nil
}
