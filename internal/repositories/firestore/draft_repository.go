package firestore

import (
	"context"
	"encoding/json"
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
	draftsCollection       = "checkout_drafts"
	correlationsCollection = "checkout_draft_correlations"
)

type draftDocument struct {
	FunnelID      string    `firestore:"funnelId"`
	FunnelName    string    `firestore:"funnelName"`
	OfferID       string    `firestore:"offerId,omitempty"`
	Processor     string    `firestore:"processor"`
	ProcessorMode string    `firestore:"processorMode"`
	Status        string    `firestore:"status"`
	CustomerEmail string    `firestore:"customerEmail"`
	CustomerID    string    `firestore:"customerId,omitempty"`
	CorrelationID string    `firestore:"correlationId,omitempty"`
	Currency      string    `firestore:"currency"`
	AmountMinor   int64     `firestore:"amountMinor"`
	Snapshot      string    `firestore:"snapshot"`
	CreatedAt     time.Time `firestore:"createdAt"`
	UpdatedAt     time.Time `firestore:"updatedAt"`
	ExpiresAt     time.Time `firestore:"expiresAt"`
}

// draftSnapshot holds the priced cart. It is stored as JSON because it is written once and
// never queried.
type draftSnapshot struct {
	Contact        domain.Contact         `json:"contact"`
	Address        domain.Address         `json:"address"`
	Lines          []domain.CartLine      `json:"lines"`
	SelectedRate   *domain.ShippingRate   `json:"selectedRate,omitempty"`
	Totals         domain.TotalsBreakdown `json:"totals"`
	ClientMetadata map[string]string      `json:"clientMetadata,omitempty"`
}

type correlationDocument struct {
	DraftID   string    `firestore:"draftId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// DraftRepository keeps drafts in checkout_drafts and the processor id index in
// checkout_draft_correlations.
type DraftRepository struct {
	provider     *pfirestore.Provider
	drafts       *pfirestore.Collection[draftDocument]
	correlations *pfirestore.Collection[correlationDocument]
	now          func() time.Time
}

var _ repositories.DraftRepository = (*DraftRepository)(nil)

// NewDraftRepository binds the draft collections to provider.
func NewDraftRepository(provider *pfirestore.Provider) (*DraftRepository, error) {
	if provider == nil {
		return nil, errors.New("draft repository requires firestore provider")
	}
	return &DraftRepository{
		provider:     provider,
		drafts:       pfirestore.NewCollection[draftDocument](provider, draftsCollection),
		correlations: pfirestore.NewCollection[correlationDocument](provider, correlationsCollection),
		now:          time.Now,
	}, nil
}

func (r *DraftRepository) Create(ctx context.Context, draft domain.Draft) (domain.Draft, error) {
	if draft.ID == "" {
		draft.ID = domain.NewDraftID()
	}
	now := r.now().UTC()
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	draft.UpdatedAt = now
	if draft.Status == "" {
		draft.Status = domain.DraftStatusPending
	}
	doc, err := encodeDraft(draft)
	if err != nil {
		return domain.Draft{}, err
	}
	draftRef, err := r.drafts.Doc(ctx, draft.ID)
	if err != nil {
		return domain.Draft{}, err
	}
	var correlationRef *firestore.DocumentRef
	if draft.CorrelationID != "" {
		if correlationRef, err = r.correlations.Doc(ctx, draft.CorrelationID); err != nil {
			return domain.Draft{}, err
		}
	}

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(draftRef, doc); err != nil {
			return err
		}
		if correlationRef != nil {
			return tx.Create(correlationRef, correlationDocument{DraftID: draft.ID, CreatedAt: now})
		}
		return nil
	})
	if err != nil {
		return domain.Draft{}, pfirestore.WrapError("drafts.create", err)
	}
	return draft, nil
}

func (r *DraftRepository) Get(ctx context.Context, id string) (domain.Draft, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Draft{}, false, nil
	}
	doc, err := r.drafts.Get(ctx, id)
	if repositories.IsNotFound(err) {
		return domain.Draft{}, false, nil
	}
	if err != nil {
		return domain.Draft{}, false, err
	}
	draft, err := decodeDraft(id, doc)
	if err != nil {
		return domain.Draft{}, false, err
	}
	return draft, true, nil
}

func (r *DraftRepository) FindByCorrelationID(ctx context.Context, correlationID string) (domain.Draft, bool, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return domain.Draft{}, false, nil
	}
	entry, err := r.correlations.Get(ctx, correlationID)
	if repositories.IsNotFound(err) {
		return domain.Draft{}, false, nil
	}
	if err != nil {
		return domain.Draft{}, false, err
	}
	return r.Get(ctx, entry.DraftID)
}

func (r *DraftRepository) Update(ctx context.Context, draft domain.Draft) error {
	draft.UpdatedAt = r.now().UTC()
	doc, err := encodeDraft(draft)
	if err != nil {
		return err
	}
	ref, err := r.drafts.Doc(ctx, draft.ID)
	if err != nil {
		return err
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := r.drafts.GetTx(tx, ref); err != nil {
			return err
		}
		return tx.Set(ref, doc)
	})
}

func (r *DraftRepository) Delete(ctx context.Context, id string) error {
	ref, err := r.drafts.Doc(ctx, id)
	if err != nil {
		return err
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := r.drafts.GetTx(tx, ref)
		if repositories.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		var correlationRef *firestore.DocumentRef
		if doc.CorrelationID != "" {
			correlationRef, err = r.correlations.Doc(ctx, doc.CorrelationID)
			if err != nil {
				return err
			}
			entry, err := r.correlations.GetTx(tx, correlationRef)
			if err != nil && !repositories.IsNotFound(err) {
				return err
			}
			if err != nil || entry.DraftID != id {
				correlationRef = nil
			}
		}
		if correlationRef != nil {
			if err := tx.Delete(correlationRef); err != nil {
				return err
			}
		}
		return tx.Delete(ref)
	})
}

func (r *DraftRepository) AttachCorrelation(ctx context.Context, draftID, correlationID string) error {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return pfirestore.Conflict("drafts.correlate", "correlation id is required")
	}
	draftRef, err := r.drafts.Doc(ctx, draftID)
	if err != nil {
		return err
	}
	correlationRef, err := r.correlations.Doc(ctx, correlationID)
	if err != nil {
		return err
	}
	now := r.now().UTC()

	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := r.drafts.GetTx(tx, draftRef); err != nil {
			return err
		}
		entry, err := r.correlations.GetTx(tx, correlationRef)
		switch {
		case err == nil && entry.DraftID != draftID:
			return pfirestore.Conflict("drafts.correlate", "correlation id already indexed")
		case err != nil && !repositories.IsNotFound(err):
			return err
		}
		if err := tx.Update(draftRef, []firestore.Update{
			{Path: "correlationId", Value: correlationID},
			{Path: "updatedAt", Value: now},
		}); err != nil {
			return err
		}
		return tx.Set(correlationRef, correlationDocument{DraftID: draftID, CreatedAt: now})
	})
}

func (r *DraftRepository) Claim(ctx context.Context, id string) (domain.Draft, error) {
	return r.transition(ctx, id, domain.DraftStatusPending, domain.DraftStatusConsuming)
}

func (r *DraftRepository) Release(ctx context.Context, id string) error {
	_, err := r.transition(ctx, id, domain.DraftStatusConsuming, domain.DraftStatusPending)
	return err
}

// transition moves the draft status from one value to another, failing with not found when
// the draft is missing or in another state.
func (r *DraftRepository) transition(ctx context.Context, id string, from, to domain.DraftStatus) (domain.Draft, error) {
	ref, err := r.drafts.Doc(ctx, id)
	if err != nil {
		return domain.Draft{}, err
	}
	now := r.now().UTC()
	var claimed draftDocument
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := r.drafts.GetTx(tx, ref)
		if err != nil {
			return err
		}
		if domain.DraftStatus(doc.Status) != from {
			return pfirestore.NotFound("drafts."+string(to), fmt.Sprintf("draft %s is %s", id, doc.Status))
		}
		doc.Status = string(to)
		doc.UpdatedAt = now
		claimed = doc
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: doc.Status},
			{Path: "updatedAt", Value: now},
		})
	})
	if err != nil {
		return domain.Draft{}, err
	}
	return decodeDraft(id, claimed)
}

func encodeDraft(d domain.Draft) (draftDocument, error) {
	snapshot, err := json.Marshal(draftSnapshot{
		Contact:        d.Contact,
		Address:        d.Address,
		Lines:          d.Lines,
		SelectedRate:   d.SelectedRate,
		Totals:         d.Totals,
		ClientMetadata: d.ClientMetadata,
	})
	if err != nil {
		return draftDocument{}, fmt.Errorf("drafts: encode snapshot: %w", err)
	}
	return draftDocument{
		FunnelID:      d.FunnelID,
		FunnelName:    d.FunnelName,
		OfferID:       d.OfferID,
		Processor:     string(d.Processor),
		ProcessorMode: string(d.ProcessorMode),
		Status:        string(d.Status),
		CustomerEmail: strings.ToLower(strings.TrimSpace(d.Contact.Email)),
		CustomerID:    d.CustomerID,
		CorrelationID: d.CorrelationID,
		Currency:      d.Currency,
		AmountMinor:   d.AmountMinor,
		Snapshot:      string(snapshot),
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
		ExpiresAt:     d.ExpiresAt,
	}, nil
}

func decodeDraft(id string, doc draftDocument) (domain.Draft, error) {
	var snapshot draftSnapshot
	if err := json.Unmarshal([]byte(doc.Snapshot), &snapshot); err != nil {
		return domain.Draft{}, fmt.Errorf("drafts: decode snapshot %s: %w", id, err)
	}
	return domain.Draft{
		ID:             id,
		FunnelID:       doc.FunnelID,
		FunnelName:     doc.FunnelName,
		OfferID:        doc.OfferID,
		Processor:      domain.Processor(doc.Processor),
		ProcessorMode:  domain.ProcessorMode(doc.ProcessorMode),
		Status:         domain.DraftStatus(doc.Status),
		Contact:        snapshot.Contact,
		Address:        snapshot.Address,
		Lines:          snapshot.Lines,
		SelectedRate:   snapshot.SelectedRate,
		Totals:         snapshot.Totals,
		Currency:       doc.Currency,
		AmountMinor:    doc.AmountMinor,
		CustomerID:     doc.CustomerID,
		CorrelationID:  doc.CorrelationID,
		ClientMetadata: snapshot.ClientMetadata,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
		ExpiresAt:      doc.ExpiresAt,
	}, nil
}
