package memory

import (
	"context"
	"maps"
	"slices"
	"strings"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
	"github.com/holisticpeople/funnel-checkout/internal/repositories"
)

type draftRepository struct{ s *Store }

func (r draftRepository) Create(_ context.Context, draft domain.Draft) (domain.Draft, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if draft.ID == "" {
		draft.ID = domain.NewDraftID()
	}
	if _, exists := r.s.drafts[draft.ID]; exists {
		return domain.Draft{}, repositories.NewConflict("drafts.create", "draft "+draft.ID+" already exists")
	}
	now := r.s.now().UTC()
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	draft.UpdatedAt = now
	if draft.Status == "" {
		draft.Status = domain.DraftStatusPending
	}
	r.s.drafts[draft.ID] = cloneDraft(draft)
	if draft.CorrelationID != "" {
		r.s.correlation[draft.CorrelationID] = draft.ID
	}
	return cloneDraft(draft), nil
}

func (r draftRepository) Get(_ context.Context, id string) (domain.Draft, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	draft, ok := r.s.drafts[strings.TrimSpace(id)]
	if !ok {
		return domain.Draft{}, false, nil
	}
	return cloneDraft(draft), true, nil
}

func (r draftRepository) FindByCorrelationID(_ context.Context, correlationID string) (domain.Draft, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.correlation[strings.TrimSpace(correlationID)]
	if !ok {
		return domain.Draft{}, false, nil
	}
	draft, ok := r.s.drafts[id]
	if !ok {
		return domain.Draft{}, false, nil
	}
	return cloneDraft(draft), true, nil
}

func (r draftRepository) Update(_ context.Context, draft domain.Draft) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.drafts[draft.ID]; !ok {
		return repositories.NewNotFound("drafts.update", "draft "+draft.ID+" not found")
	}
	draft.UpdatedAt = r.s.now().UTC()
	r.s.drafts[draft.ID] = cloneDraft(draft)
	return nil
}

func (r draftRepository) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	draft, ok := r.s.drafts[id]
	if !ok {
		return nil
	}
	if draft.CorrelationID != "" && r.s.correlation[draft.CorrelationID] == id {
		delete(r.s.correlation, draft.CorrelationID)
	}
	delete(r.s.drafts, id)
	return nil
}

func (r draftRepository) AttachCorrelation(_ context.Context, draftID, correlationID string) error {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return repositories.NewConflict("drafts.correlate", "correlation id is required")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	draft, ok := r.s.drafts[draftID]
	if !ok {
		return repositories.NewNotFound("drafts.correlate", "draft "+draftID+" not found")
	}
	if owner, taken := r.s.correlation[correlationID]; taken && owner != draftID {
		return repositories.NewConflict("drafts.correlate", "correlation id already indexed")
	}
	if draft.CorrelationID != "" && draft.CorrelationID != correlationID {
		delete(r.s.correlation, draft.CorrelationID)
	}
	draft.CorrelationID = correlationID
	draft.UpdatedAt = r.s.now().UTC()
	r.s.drafts[draftID] = draft
	r.s.correlation[correlationID] = draftID
	return nil
}

func (r draftRepository) Claim(_ context.Context, id string) (domain.Draft, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	draft, ok := r.s.drafts[id]
	if !ok || draft.Status != domain.DraftStatusPending {
		return domain.Draft{}, repositories.NewNotFound("drafts.claim", "draft "+id+" not available")
	}
	draft.Status = domain.DraftStatusConsuming
	draft.UpdatedAt = r.s.now().UTC()
	r.s.drafts[id] = draft
	return cloneDraft(draft), nil
}

func (r draftRepository) Release(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	draft, ok := r.s.drafts[id]
	if !ok {
		return repositories.NewNotFound("drafts.release", "draft "+id+" not found")
	}
	draft.Status = domain.DraftStatusPending
	draft.UpdatedAt = r.s.now().UTC()
	r.s.drafts[id] = draft
	return nil
}

func cloneDraft(d domain.Draft) domain.Draft {
	d.Lines = slices.Clone(d.Lines)
	d.Totals.Lines = slices.Clone(d.Totals.Lines)
	d.ClientMetadata = maps.Clone(d.ClientMetadata)
	if d.SelectedRate != nil {
		rate := *d.SelectedRate
		d.SelectedRate = &rate
	}
	return d
}
