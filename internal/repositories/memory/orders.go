package memory

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
	"github.com/holisticpeople/funnel-checkout/internal/repositories"
)

type orderRepository struct{ s *Store }

func (r orderRepository) Create(_ context.Context, order domain.Order, deduction *repositories.PointsDeduction) (domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, repositories.NewConflict("orders.create", "order id is required")
	}
	if _, exists := r.s.orders[order.ID]; exists {
		return domain.Order{}, repositories.NewConflict("orders.create", "order "+order.ID+" already exists")
	}
	now := r.s.now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	if deduction != nil && deduction.Points > 0 {
		key := emailKey(deduction.CustomerEmail)
		r.s.points[key] = max(0, r.s.points[key]-deduction.Points)
	}
	r.s.orders[order.ID] = cloneOrder(order)
	return cloneOrder(order), nil
}

func (r orderRepository) Get(_ context.Context, id string) (domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	order, ok := r.s.orders[strings.TrimSpace(id)]
	if !ok {
		return domain.Order{}, repositories.NewNotFound("orders.get", "order "+id+" not found")
	}
	return cloneOrder(order), nil
}

func (r orderRepository) FindByTransactionID(_ context.Context, transactionID string) (domain.Order, error) {
	transactionID = strings.TrimSpace(transactionID)
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, order := range r.s.orders {
		if transactionID != "" && order.Payment.TransactionID == transactionID {
			return cloneOrder(order), nil
		}
	}
	return domain.Order{}, repositories.NewNotFound("orders.find", "no order for transaction")
}

func (r orderRepository) AcquireAppendLock(_ context.Context, orderID, holder string, ttl time.Duration, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	order, ok := r.s.orders[orderID]
	if !ok {
		return repositories.NewNotFound("orders.lock", "order "+orderID+" not found")
	}
	if lock := order.Lock; lock != nil && lock.Holder != holder && now.Before(lock.ExpiresAt) {
		return repositories.NewConflict("orders.lock", "append lock held")
	}
	order.Lock = &domain.AppendLock{Holder: holder, ExpiresAt: now.Add(ttl)}
	r.s.orders[orderID] = order
	return nil
}

func (r orderRepository) ReleaseAppendLock(_ context.Context, orderID, holder string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	order, ok := r.s.orders[orderID]
	if !ok {
		return repositories.NewNotFound("orders.unlock", "order "+orderID+" not found")
	}
	if order.Lock != nil && order.Lock.Holder == holder {
		order.Lock = nil
		r.s.orders[orderID] = order
	}
	return nil
}

func (r orderRepository) Append(_ context.Context, orderID, holder string, mutate func(*domain.Order) error) (domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewNotFound("orders.append", "order "+orderID+" not found")
	}
	if stored.Lock == nil || stored.Lock.Holder != holder {
		return domain.Order{}, repositories.NewConflict("orders.append", "append lock not held")
	}
	order := cloneOrder(stored)
	if err := mutate(&order); err != nil {
		return domain.Order{}, err
	}
	order.UpdatedAt = r.s.now().UTC()
	r.s.orders[orderID] = cloneOrder(order)
	return order, nil
}

func cloneOrder(o domain.Order) domain.Order {
	o.Lines = slices.Clone(o.Lines)
	o.Fees = slices.Clone(o.Fees)
	o.Notes = slices.Clone(o.Notes)
	o.Payment.UpsellTransactionIDs = slices.Clone(o.Payment.UpsellTransactionIDs)
	if o.Shipping != nil {
		shipping := *o.Shipping
		o.Shipping = &shipping
	}
	if o.Lock != nil {
		lock := *o.Lock
		o.Lock = &lock
	}
	return o
}
