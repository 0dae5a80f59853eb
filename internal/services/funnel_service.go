package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
	"github.com/holisticpeople/funnel-checkout/internal/repositories"
)

const (
	defaultFunnelID    = "default"
	defaultRedirectURL = "/"
)

// FunnelServiceDeps wires the dependencies required by the funnel service.
type FunnelServiceDeps struct {
	Funnels     repositories.FunnelRepository
	RedirectURL string
	Clock       func() time.Time
}

type funnelService struct {
	funnels     repositories.FunnelRepository
	redirectURL string
	now         func() time.Time
}

var _ FunnelService = (*funnelService)(nil)

// NewFunnelService constructs a FunnelService validating required dependencies.
func NewFunnelService(deps FunnelServiceDeps) (FunnelService, error) {
	if deps.Funnels == nil {
		return nil, errors.New("funnel service: funnel repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	redirect := strings.TrimSpace(deps.RedirectURL)
	if redirect == "" {
		redirect = defaultRedirectURL
	}
	return &funnelService{
		funnels:     deps.Funnels,
		redirectURL: redirect,
		now: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

func (s *funnelService) Resolve(ctx context.Context, funnelID string) (ActiveFunnel, error) {
	funnel, err := s.load(ctx, funnelID)
	if err != nil {
		return ActiveFunnel{}, err
	}
	mode, ok := funnel.Mode.ProcessorMode()
	if !ok {
		return ActiveFunnel{}, &FunnelDisabledError{FunnelID: funnel.ID, RedirectURL: s.redirectFor(funnel)}
	}
	return ActiveFunnel{Config: funnel, Mode: mode}, nil
}

func (s *funnelService) Config(ctx context.Context, funnelID string) (domain.FunnelConfig, error) {
	return s.load(ctx, funnelID)
}

func (s *funnelService) Status(ctx context.Context, funnelID string) (FunnelStatus, error) {
	funnel, err := s.load(ctx, funnelID)
	if err != nil {
		return FunnelStatus{}, err
	}
	mode, enabled := funnel.Mode.ProcessorMode()
	status := FunnelStatus{
		FunnelID:      funnel.ID,
		Name:          funnel.Name,
		Mode:          funnel.Mode,
		Enabled:       enabled,
		ProcessorMode: mode,
		UpdatedAt:     funnel.UpdatedAt,
	}
	if !enabled {
		status.RedirectURL = s.redirectFor(funnel)
	}
	for _, offer := range funnel.Offers {
		status.OfferIDs = append(status.OfferIDs, offer.ID)
	}
	return status, nil
}

func (s *funnelService) load(ctx context.Context, funnelID string) (domain.FunnelConfig, error) {
	id := strings.TrimSpace(funnelID)
	if id == "" {
		id = defaultFunnelID
	}
	funnel, err := s.funnels.Get(ctx, id)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.FunnelConfig{}, fmt.Errorf("%w: funnel %s", ErrCheckoutNotFound, id)
		}
		if repositories.IsUnavailable(err) {
			return domain.FunnelConfig{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
		}
		return domain.FunnelConfig{}, err
	}
	if funnel.ID == "" {
		funnel.ID = id
	}
	return funnel, nil
}

func (s *funnelService) redirectFor(funnel domain.FunnelConfig) string {
	return chooseFirstNonEmpty(strings.TrimSpace(funnel.RedirectURL), s.redirectURL)
}
