package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
	"github.com/holisticpeople/funnel-checkout/internal/pricing"
	"github.com/holisticpeople/funnel-checkout/internal/repositories"
)

const maxCatalogSKUs = 100

// CatalogServiceDeps wires the dependencies required by the catalog service.
type CatalogServiceDeps struct {
	Products repositories.ProductRepository
	Currency string
}

type catalogService struct {
	products repositories.ProductRepository
	currency string
}

var _ CatalogService = (*catalogService)(nil)

// NewCatalogService constructs a CatalogService validating required dependencies.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Products == nil {
		return nil, errors.New("catalog service: product repository is required")
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = pricing.DefaultCurrency
	}
	return &catalogService{
		products: deps.Products,
		currency: currency,
	}, nil
}

func (s *catalogService) Prices(ctx context.Context, skus []string) ([]ProductPrice, error) {
	skus = normalizeSKUs(skus)
	if len(skus) == 0 {
		return nil, invalidInput("at least one sku is required")
	}
	if len(skus) > maxCatalogSKUs {
		return nil, invalidInput("at most %d skus per request", maxCatalogSKUs)
	}
	products, err := s.products.GetMany(ctx, skus)
	if err != nil {
		return nil, s.wrapRepositoryError(err)
	}

	prices := make([]ProductPrice, 0, len(products))
	for _, sku := range skus {
		product, ok := products[sku]
		if !ok {
			continue
		}
		prices = append(prices, ProductPrice{
			SKU:          product.SKU,
			Name:         s.displayName(product),
			RegularPrice: pricing.Round(product.RegularPrice, s.currency),
			SalePrice:    product.SalePrice,
			Price:        pricing.Round(product.CurrentPrice(), s.currency),
			Currency:     s.currency,
			ImageURL:     product.ImageURL,
			Active:       product.Active,
		})
	}
	return prices, nil
}

func (s *catalogService) Products(ctx context.Context, skus []string) (map[string]domain.Product, error) {
	skus = normalizeSKUs(skus)
	if len(skus) == 0 {
		return map[string]domain.Product{}, nil
	}
	products, err := s.products.GetMany(ctx, skus)
	if err != nil {
		return nil, s.wrapRepositoryError(err)
	}
	var missing []string
	for _, sku := range skus {
		product, ok := products[sku]
		if !ok {
			missing = append(missing, sku)
			continue
		}
		product.Name = s.displayName(product)
		products[sku] = product
	}
	if len(missing) > 0 {
		return nil, invalidInput("unknown sku %s", strings.Join(missing, ", "))
	}
	return products, nil
}

func (s *catalogService) displayName(product domain.Product) string {
	if name := strings.TrimSpace(product.Name); name != "" {
		return name
	}
	return cases.Title(language.English).String(strings.NewReplacer("-", " ", "_", " ").Replace(strings.ToLower(product.SKU)))
}

func (s *catalogService) wrapRepositoryError(err error) error {
	if repositories.IsUnavailable(err) {
		return fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}
	return err
}

func normalizeSKUs(skus []string) []string {
	out := make([]string, 0, len(skus))
	for _, sku := range skus {
		sku = strings.TrimSpace(sku)
		if sku == "" || slices.Contains(out, sku) {
			continue
		}
		out = append(out, sku)
	}
	return out
}

func lineSKUs(lines []domain.CartLine) []string {
	skus := make([]string, 0, len(lines))
	for _, line := range lines {
		skus = append(skus, line.SKU)
	}
	return normalizeSKUs(skus)
}
