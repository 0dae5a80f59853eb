package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
	pfirestore "github.com/holisticpeople/funnel-checkout/internal/platform/firestore"
	"github.com/holisticpeople/funnel-checkout/internal/repositories"
)

const (
	productsCollection = "products"
	funnelsCollection  = "funnels"
	pointsCollection   = "customer_points"
)

type productDocument struct {
	Name         string    `firestore:"name"`
	RegularPrice string    `firestore:"regularPrice"`
	SalePrice    *string   `firestore:"salePrice,omitempty"`
	WeightOunces string    `firestore:"weightOunces"`
	ImageURL     string    `firestore:"imageUrl,omitempty"`
	Active       bool      `firestore:"active"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// ProductRepository reads catalog products keyed by SKU.
type ProductRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.Collection[productDocument]
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		provider: provider,
		products: pfirestore.NewCollection[productDocument](provider, productsCollection),
	}, nil
}

// GetMany batch-reads the SKUs. Missing documents are left out of the result.
func (r *ProductRepository) GetMany(ctx context.Context, skus []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(skus))
	if len(skus) == 0 {
		return out, nil
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	col, err := r.products.Ref(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(skus))
	refs := make([]*firestore.DocumentRef, 0, len(skus))
	for _, sku := range skus {
		sku = strings.TrimSpace(sku)
		if sku == "" {
			continue
		}
		if _, dup := seen[sku]; dup {
			continue
		}
		seen[sku] = struct{}{}
		refs = append(refs, col.Doc(sku))
	}
	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, pfirestore.WrapError("products.getMany", err)
	}
	for _, snap := range snaps {
		if snap == nil || !snap.Exists() {
			continue
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("products: decode %s: %w", snap.Ref.ID, err)
		}
		product, err := decodeProduct(snap.Ref.ID, doc)
		if err != nil {
			return nil, err
		}
		out[product.SKU] = product
	}
	return out, nil
}

func decodeProduct(sku string, doc productDocument) (domain.Product, error) {
	var dec decimalReader
	product := domain.Product{
		SKU:          sku,
		Name:         doc.Name,
		RegularPrice: dec.value("regularPrice", doc.RegularPrice),
		SalePrice:    dec.pointer("salePrice", doc.SalePrice),
		WeightOunces: dec.value("weightOunces", doc.WeightOunces),
		ImageURL:     doc.ImageURL,
		Active:       doc.Active,
	}
	if dec.err != nil {
		return domain.Product{}, fmt.Errorf("products: decode %s: %w", sku, dec.err)
	}
	return product, nil
}

type funnelDocument struct {
	Slug                  string                `firestore:"slug"`
	Name                  string                `firestore:"name"`
	Mode                  string                `firestore:"mode"`
	RedirectURL           string                `firestore:"redirectUrl,omitempty"`
	GlobalDiscountPercent string                `firestore:"globalDiscountPercent"`
	FreeShippingCountries []string              `firestore:"freeShippingCountries"`
	Offers                []offerDocument       `firestore:"offers"`
	UpsellOffers          []upsellOfferDocument `firestore:"upsellOffers"`
	UpdatedAt             time.Time             `firestore:"updatedAt"`
}

type offerDocument struct {
	ID                 string              `firestore:"id"`
	Name               string              `firestore:"name"`
	Kind               string              `firestore:"kind"`
	Lines              []offerLineDocument `firestore:"lines"`
	DiscountKind       string              `firestore:"discountKind,omitempty"`
	DiscountValue      string              `firestore:"discountValue,omitempty"`
	AdminTotalOverride *string             `firestore:"adminTotalOverride,omitempty"`
}

type offerLineDocument struct {
	SKU                         string  `firestore:"sku"`
	Quantity                    int     `firestore:"quantity"`
	Role                        string  `firestore:"role"`
	MinQuantity                 int     `firestore:"minQuantity"`
	MaxQuantity                 int     `firestore:"maxQuantity"`
	UnitPriceOverride           *string `firestore:"unitPriceOverride,omitempty"`
	SubsequentUnitPriceOverride *string `firestore:"subsequentUnitPriceOverride,omitempty"`
	ItemDiscountPercent         *string `firestore:"itemDiscountPercent,omitempty"`
	ItemDiscountFixed           *string `firestore:"itemDiscountFixed,omitempty"`
	ExcludeFromGlobalDiscount   bool    `firestore:"excludeFromGlobalDiscount"`
	Label                       string  `firestore:"label,omitempty"`
}

type upsellOfferDocument struct {
	SKU             string `firestore:"sku"`
	Headline        string `firestore:"headline"`
	Description     string `firestore:"description"`
	Quantity        int    `firestore:"quantity"`
	DiscountPercent string `firestore:"discountPercent"`
}

// FunnelRepository reads funnel configuration documents.
type FunnelRepository struct {
	funnels *pfirestore.Collection[funnelDocument]
}

var _ repositories.FunnelRepository = (*FunnelRepository)(nil)

func NewFunnelRepository(provider *pfirestore.Provider) (*FunnelRepository, error) {
	if provider == nil {
		return nil, errors.New("funnel repository requires firestore provider")
	}
	return &FunnelRepository{funnels: pfirestore.NewCollection[funnelDocument](provider, funnelsCollection)}, nil
}

func (r *FunnelRepository) Get(ctx context.Context, id string) (domain.FunnelConfig, error) {
	id = strings.TrimSpace(id)
	doc, err := r.funnels.Get(ctx, id)
	if err != nil {
		return domain.FunnelConfig{}, err
	}
	return decodeFunnel(id, doc)
}

func decodeFunnel(id string, doc funnelDocument) (domain.FunnelConfig, error) {
	var dec decimalReader
	cfg := domain.FunnelConfig{
		ID:                    id,
		Slug:                  doc.Slug,
		Name:                  doc.Name,
		Mode:                  domain.ParseFunnelMode(doc.Mode),
		RedirectURL:           doc.RedirectURL,
		GlobalDiscountPercent: dec.value("globalDiscountPercent", doc.GlobalDiscountPercent),
		FreeShippingCountries: doc.FreeShippingCountries,
		UpdatedAt:             doc.UpdatedAt,
	}
	for _, o := range doc.Offers {
		offer := domain.Offer{
			ID:                 o.ID,
			Name:               o.Name,
			Kind:               domain.OfferKind(o.Kind),
			Discount:           domain.DiscountPolicy{Kind: domain.DiscountKind(o.DiscountKind), Value: dec.value("discountValue", o.DiscountValue)},
			AdminTotalOverride: dec.pointer("adminTotalOverride", o.AdminTotalOverride),
		}
		if offer.Discount.Kind == "" {
			offer.Discount.Kind = domain.DiscountNone
		}
		for _, l := range o.Lines {
			offer.Lines = append(offer.Lines, domain.CartLine{
				SKU:                         l.SKU,
				Quantity:                    l.Quantity,
				Role:                        domain.NormalizeLineRole(l.Role),
				MinQuantity:                 l.MinQuantity,
				MaxQuantity:                 l.MaxQuantity,
				UnitPriceOverride:           dec.pointer("unitPriceOverride", l.UnitPriceOverride),
				SubsequentUnitPriceOverride: dec.pointer("subsequentUnitPriceOverride", l.SubsequentUnitPriceOverride),
				ItemDiscountPercent:         dec.pointer("itemDiscountPercent", l.ItemDiscountPercent),
				ItemDiscountFixed:           dec.pointer("itemDiscountFixed", l.ItemDiscountFixed),
				ExcludeFromGlobalDiscount:   l.ExcludeFromGlobalDiscount,
				Label:                       l.Label,
			})
		}
		cfg.Offers = append(cfg.Offers, offer)
	}
	for _, u := range doc.UpsellOffers {
		cfg.UpsellOffers = append(cfg.UpsellOffers, domain.UpsellOffer{
			SKU:             u.SKU,
			Headline:        u.Headline,
			Description:     u.Description,
			Quantity:        max(u.Quantity, 1),
			DiscountPercent: dec.value("upsell.discountPercent", u.DiscountPercent),
		})
	}
	if dec.err != nil {
		return domain.FunnelConfig{}, fmt.Errorf("funnels: decode %s: %w", id, dec.err)
	}
	return cfg, nil
}

type pointsDocument struct {
	Email     string    `firestore:"email"`
	Points    int64     `firestore:"points"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// PointsRepository reads loyalty balances stored under the lowercased email.
type PointsRepository struct {
	points *pfirestore.Collection[pointsDocument]
}

var _ repositories.PointsRepository = (*PointsRepository)(nil)

func NewPointsRepository(provider *pfirestore.Provider) (*PointsRepository, error) {
	if provider == nil {
		return nil, errors.New("points repository requires firestore provider")
	}
	return &PointsRepository{points: pfirestore.NewCollection[pointsDocument](provider, pointsCollection)}, nil
}

func (r *PointsRepository) Balance(ctx context.Context, customerEmail string) (int64, error) {
	key := emailKey(customerEmail)
	if key == "" {
		return 0, nil
	}
	doc, err := r.points.Get(ctx, key)
	if repositories.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return max(doc.Points, 0), nil
}
