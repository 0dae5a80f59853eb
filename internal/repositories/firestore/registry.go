// Package firestore implements the checkout repositories on Cloud Firestore.
package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/holisticpeople/funnel-checkout/internal/platform/firestore"
	"github.com/holisticpeople/funnel-checkout/internal/repositories"
)

// Registry groups the Firestore repositories around one shared provider.
type Registry struct {
	provider  *pfirestore.Provider
	drafts    *DraftRepository
	orders    *OrderRepository
	products  *ProductRepository
	funnels   *FunnelRepository
	points    *PointsRepository
	sequences *SequenceRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires every repository to provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	reg := &Registry{provider: provider}
	var err error
	if reg.drafts, err = NewDraftRepository(provider); err != nil {
		return nil, err
	}
	if reg.orders, err = NewOrderRepository(provider); err != nil {
		return nil, err
	}
	if reg.products, err = NewProductRepository(provider); err != nil {
		return nil, err
	}
	if reg.funnels, err = NewFunnelRepository(provider); err != nil {
		return nil, err
	}
	if reg.points, err = NewPointsRepository(provider); err != nil {
		return nil, err
	}
	if reg.sequences, err = NewSequenceRepository(provider); err != nil {
		return nil, err
	}
	return reg, nil
}

func (r *Registry) Close(ctx context.Context) error            { return r.provider.Close(ctx) }
func (r *Registry) Drafts() repositories.DraftRepository       { return r.drafts }
func (r *Registry) Orders() repositories.OrderRepository       { return r.orders }
func (r *Registry) Products() repositories.ProductRepository   { return r.products }
func (r *Registry) Funnels() repositories.FunnelRepository     { return r.funnels }
func (r *Registry) Points() repositories.PointsRepository      { return r.points }
func (r *Registry) Sequences() repositories.SequenceRepository { return r.sequences }

// Ping issues a one-document read so readiness reflects Firestore reachability.
func (r *Registry) Ping(ctx context.Context) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Collection(funnelsCollection).Limit(1).Documents(ctx).GetAll()
	return pfirestore.WrapError("firestore.ping", err)
}
