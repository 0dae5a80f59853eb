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

const ordersCollection = "orders"

// Append lock transactions run on the one-click request path.
const (
	appendLockTxAttempts = 2
	appendLockTxTimeout  = 5 * time.Second
)

type orderDocument struct {
	Number        string              `firestore:"number"`
	DraftID       string              `firestore:"draftId"`
	FunnelID      string              `firestore:"funnelId"`
	FunnelName    string              `firestore:"funnelName"`
	OfferID       string              `firestore:"offerId,omitempty"`
	Status        string              `firestore:"status"`
	Currency      string              `firestore:"currency"`
	CustomerEmail string              `firestore:"customerEmail"`
	Contact       contactDocument     `firestore:"contact"`
	Address       addressDocument     `firestore:"address"`
	Lines         []orderLineDocument `firestore:"lines"`
	Fees          []feeDocument       `firestore:"fees"`
	Shipping      *shippingDocument   `firestore:"shipping,omitempty"`
	Payment       paymentDocument     `firestore:"payment"`
	TransactionID string              `firestore:"transactionId"`
	Totals        orderTotalsDocument `firestore:"totals"`
	Notes         []noteDocument      `firestore:"notes"`
	Lock          *lockDocument       `firestore:"appendLock,omitempty"`
	CreatedAt     time.Time           `firestore:"createdAt"`
	UpdatedAt     time.Time           `firestore:"updatedAt"`
}

type contactDocument struct {
	Email     string `firestore:"email"`
	FirstName string `firestore:"firstName"`
	LastName  string `firestore:"lastName"`
	Phone     string `firestore:"phone,omitempty"`
}

type addressDocument struct {
	FirstName  string `firestore:"firstName"`
	LastName   string `firestore:"lastName"`
	Company    string `firestore:"company,omitempty"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	State      string `firestore:"state"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
	Phone      string `firestore:"phone,omitempty"`
}

type orderLineDocument struct {
	ID                  string    `firestore:"id"`
	SKU                 string    `firestore:"sku"`
	Name                string    `firestore:"name"`
	Quantity            int       `firestore:"quantity"`
	RegularPrice        string    `firestore:"regularPrice"`
	UnitPrice           string    `firestore:"unitPrice"`
	Subtotal            string    `firestore:"subtotal"`
	Total               string    `firestore:"total"`
	ItemDiscountPercent string    `firestore:"itemDiscountPercent"`
	ExcludeFromGlobal   bool      `firestore:"excludeFromGlobal"`
	Upsell              bool      `firestore:"upsell"`
	UpsellTransactionID string    `firestore:"upsellTransactionId,omitempty"`
	AddedAt             time.Time `firestore:"addedAt"`
}

type feeDocument struct {
	Kind   string `firestore:"kind"`
	Name   string `firestore:"name"`
	Amount string `firestore:"amount"`
	Points int64  `firestore:"points,omitempty"`
}

type shippingDocument struct {
	CarrierCode string `firestore:"carrierCode"`
	ServiceCode string `firestore:"serviceCode"`
	ServiceName string `firestore:"serviceName"`
	Total       string `firestore:"total"`
}

type paymentDocument struct {
	Processor            string   `firestore:"processor"`
	Mode                 string   `firestore:"mode"`
	ChargeID             string   `firestore:"chargeId,omitempty"`
	CustomerID           string   `firestore:"customerId,omitempty"`
	PaymentMethodID      string   `firestore:"paymentMethodId,omitempty"`
	PayerID              string   `firestore:"payerId,omitempty"`
	UpsellTransactionIDs []string `firestore:"upsellTransactionIds,omitempty"`
}

type orderTotalsDocument struct {
	Subtotal       string `firestore:"subtotal"`
	DiscountTotal  string `firestore:"discountTotal"`
	PointsDiscount string `firestore:"pointsDiscount"`
	PointsRedeemed int64  `firestore:"pointsRedeemed"`
	ShippingTotal  string `firestore:"shippingTotal"`
	UpsellTotal    string `firestore:"upsellTotal"`
	GrandTotal     string `firestore:"grandTotal"`
}

type noteDocument struct {
	Message   string    `firestore:"message"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type lockDocument struct {
	Holder    string    `firestore:"holder"`
	ExpiresAt time.Time `firestore:"expiresAt"`
}

// OrderRepository persists orders and debits loyalty points in the same transaction.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
	points   *pfirestore.Collection[pointsDocument]
	now      func() time.Time
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository binds the order and points collections to provider.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
		points:   pfirestore.NewCollection[pointsDocument](provider, pointsCollection),
		now:      time.Now,
	}, nil
}

func (r *OrderRepository) Create(ctx context.Context, order domain.Order, deduction *repositories.PointsDeduction) (domain.Order, error) {
	if strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, pfirestore.Conflict("orders.create", "order id is required")
	}
	now := r.now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	orderRef, err := r.orders.Doc(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	var pointsRef *firestore.DocumentRef
	if deduction != nil && deduction.Points > 0 {
		if pointsRef, err = r.points.Doc(ctx, emailKey(deduction.CustomerEmail)); err != nil {
			return domain.Order{}, err
		}
	}

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var balance pointsDocument
		if pointsRef != nil {
			current, err := r.points.GetTx(tx, pointsRef)
			if err != nil && !repositories.IsNotFound(err) {
				return err
			}
			balance = current
		}
		if err := tx.Create(orderRef, encodeOrder(order)); err != nil {
			return err
		}
		if pointsRef == nil {
			return nil
		}
		balance.Email = emailKey(deduction.CustomerEmail)
		balance.Points = max(0, balance.Points-deduction.Points)
		balance.UpdatedAt = now
		return tx.Set(pointsRef, balance)
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.create", err)
	}
	return order, nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(id, doc)
}

func (r *OrderRepository) FindByTransactionID(ctx context.Context, transactionID string) (domain.Order, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return domain.Order{}, pfirestore.NotFound("orders.find", "transaction id is required")
	}
	col, err := r.orders.Ref(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	snaps, err := col.Where("transactionId", "==", transactionID).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.find", err)
	}
	if len(snaps) == 0 {
		return domain.Order{}, pfirestore.NotFound("orders.find", "no order for transaction "+transactionID)
	}
	var doc orderDocument
	if err := snaps[0].DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("orders.find: decode %s: %w", snaps[0].Ref.ID, err)
	}
	return decodeOrder(snaps[0].Ref.ID, doc)
}

func (r *OrderRepository) AcquireAppendLock(ctx context.Context, orderID, holder string, ttl time.Duration, now time.Time) error {
	ref, err := r.orders.Doc(ctx, orderID)
	if err != nil {
		return err
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := r.orders.GetTx(tx, ref)
		if err != nil {
			return err
		}
		if lock := doc.Lock; lock != nil && lock.Holder != holder && lock.ExpiresAt.After(now) {
			return pfirestore.Conflict("orders.lock", "order "+orderID+" has an append in progress")
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "appendLock", Value: lockDocument{Holder: holder, ExpiresAt: now.Add(ttl).UTC()}},
		})
	}, pfirestore.WithTxAttempts(appendLockTxAttempts), pfirestore.WithTxTimeout(appendLockTxTimeout))
}

func (r *OrderRepository) ReleaseAppendLock(ctx context.Context, orderID, holder string) error {
	ref, err := r.orders.Doc(ctx, orderID)
	if err != nil {
		return err
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := r.orders.GetTx(tx, ref)
		if repositories.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if doc.Lock == nil || doc.Lock.Holder != holder {
			return nil
		}
		return tx.Update(ref, []firestore.Update{{Path: "appendLock", Value: firestore.Delete}})
	}, pfirestore.WithTxTimeout(appendLockTxTimeout))
}

func (r *OrderRepository) Append(ctx context.Context, orderID, holder string, mutate func(*domain.Order) error) (domain.Order, error) {
	if mutate == nil {
		return domain.Order{}, errors.New("orders.append: mutate is required")
	}
	ref, err := r.orders.Doc(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	now := r.now().UTC()
	var updated domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := r.orders.GetTx(tx, ref)
		if err != nil {
			return err
		}
		if doc.Lock == nil || doc.Lock.Holder != holder {
			return pfirestore.Conflict("orders.append", "append lock not held")
		}
		order, err := decodeOrder(orderID, doc)
		if err != nil {
			return err
		}
		if err := mutate(&order); err != nil {
			return err
		}
		order.ID = orderID
		order.UpdatedAt = now
		updated = order
		return tx.Set(ref, encodeOrder(order))
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

func encodeOrder(o domain.Order) orderDocument {
	doc := orderDocument{
		Number:        o.Number,
		DraftID:       o.DraftID,
		FunnelID:      o.FunnelID,
		FunnelName:    o.FunnelName,
		OfferID:       o.OfferID,
		Status:        string(o.Status),
		Currency:      o.Currency,
		CustomerEmail: emailKey(o.Contact.Email),
		Contact: contactDocument{
			Email:     o.Contact.Email,
			FirstName: o.Contact.FirstName,
			LastName:  o.Contact.LastName,
			Phone:     o.Contact.Phone,
		},
		Address: encodeAddress(o.Address),
		Payment: paymentDocument{
			Processor:            string(o.Payment.Processor),
			Mode:                 string(o.Payment.Mode),
			ChargeID:             o.Payment.ChargeID,
			CustomerID:           o.Payment.CustomerID,
			PaymentMethodID:      o.Payment.PaymentMethodID,
			PayerID:              o.Payment.PayerID,
			UpsellTransactionIDs: o.Payment.UpsellTransactionIDs,
		},
		TransactionID: o.Payment.TransactionID,
		Totals: orderTotalsDocument{
			Subtotal:       decimalString(o.Totals.Subtotal),
			DiscountTotal:  decimalString(o.Totals.DiscountTotal),
			PointsDiscount: decimalString(o.Totals.PointsDiscount),
			PointsRedeemed: o.Totals.PointsRedeemed,
			ShippingTotal:  decimalString(o.Totals.ShippingTotal),
			UpsellTotal:    decimalString(o.Totals.UpsellTotal),
			GrandTotal:     decimalString(o.Totals.GrandTotal),
		},
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
	for _, line := range o.Lines {
		doc.Lines = append(doc.Lines, orderLineDocument{
			ID:                  line.ID,
			SKU:                 line.SKU,
			Name:                line.Name,
			Quantity:            line.Quantity,
			RegularPrice:        decimalString(line.RegularPrice),
			UnitPrice:           decimalString(line.UnitPrice),
			Subtotal:            decimalString(line.Subtotal),
			Total:               decimalString(line.Total),
			ItemDiscountPercent: decimalString(line.ItemDiscountPercent),
			ExcludeFromGlobal:   line.ExcludeFromGlobal,
			Upsell:              line.Upsell,
			UpsellTransactionID: line.UpsellTransactionID,
			AddedAt:             line.AddedAt,
		})
	}
	for _, fee := range o.Fees {
		doc.Fees = append(doc.Fees, feeDocument{
			Kind:   string(fee.Kind),
			Name:   fee.Name,
			Amount: decimalString(fee.Amount),
			Points: fee.Points,
		})
	}
	if s := o.Shipping; s != nil {
		doc.Shipping = &shippingDocument{
			CarrierCode: s.CarrierCode,
			ServiceCode: s.ServiceCode,
			ServiceName: s.ServiceName,
			Total:       decimalString(s.Total),
		}
	}
	for _, note := range o.Notes {
		doc.Notes = append(doc.Notes, noteDocument{Message: note.Message, CreatedAt: note.CreatedAt})
	}
	if o.Lock != nil {
		doc.Lock = &lockDocument{Holder: o.Lock.Holder, ExpiresAt: o.Lock.ExpiresAt}
	}
	return doc
}

func decodeOrder(id string, doc orderDocument) (domain.Order, error) {
	var dec decimalReader
	order := domain.Order{
		ID:         id,
		Number:     doc.Number,
		DraftID:    doc.DraftID,
		FunnelID:   doc.FunnelID,
		FunnelName: doc.FunnelName,
		OfferID:    doc.OfferID,
		Status:     domain.OrderStatus(doc.Status),
		Currency:   doc.Currency,
		Contact: domain.Contact{
			Email:     doc.Contact.Email,
			FirstName: doc.Contact.FirstName,
			LastName:  doc.Contact.LastName,
			Phone:     doc.Contact.Phone,
		},
		Address: decodeAddress(doc.Address),
		Payment: domain.PaymentMeta{
			Processor:            domain.Processor(doc.Payment.Processor),
			Mode:                 domain.ProcessorMode(doc.Payment.Mode),
			TransactionID:        doc.TransactionID,
			ChargeID:             doc.Payment.ChargeID,
			CustomerID:           doc.Payment.CustomerID,
			PaymentMethodID:      doc.Payment.PaymentMethodID,
			PayerID:              doc.Payment.PayerID,
			UpsellTransactionIDs: doc.Payment.UpsellTransactionIDs,
		},
		Totals: domain.OrderTotals{
			Subtotal:       dec.value("totals.subtotal", doc.Totals.Subtotal),
			DiscountTotal:  dec.value("totals.discountTotal", doc.Totals.DiscountTotal),
			PointsDiscount: dec.value("totals.pointsDiscount", doc.Totals.PointsDiscount),
			PointsRedeemed: doc.Totals.PointsRedeemed,
			ShippingTotal:  dec.value("totals.shippingTotal", doc.Totals.ShippingTotal),
			UpsellTotal:    dec.value("totals.upsellTotal", doc.Totals.UpsellTotal),
			GrandTotal:     dec.value("totals.grandTotal", doc.Totals.GrandTotal),
		},
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	for _, line := range doc.Lines {
		order.Lines = append(order.Lines, domain.OrderLine{
			ID:                  line.ID,
			SKU:                 line.SKU,
			Name:                line.Name,
			Quantity:            line.Quantity,
			RegularPrice:        dec.value("lines.regularPrice", line.RegularPrice),
			UnitPrice:           dec.value("lines.unitPrice", line.UnitPrice),
			Subtotal:            dec.value("lines.subtotal", line.Subtotal),
			Total:               dec.value("lines.total", line.Total),
			ItemDiscountPercent: dec.value("lines.itemDiscountPercent", line.ItemDiscountPercent),
			ExcludeFromGlobal:   line.ExcludeFromGlobal,
			Upsell:              line.Upsell,
			UpsellTransactionID: line.UpsellTransactionID,
			AddedAt:             line.AddedAt,
		})
	}
	for _, fee := range doc.Fees {
		order.Fees = append(order.Fees, domain.FeeLine{
			Kind:   domain.FeeKind(fee.Kind),
			Name:   fee.Name,
			Amount: dec.value("fees.amount", fee.Amount),
			Points: fee.Points,
		})
	}
	if s := doc.Shipping; s != nil {
		order.Shipping = &domain.ShippingLine{
			CarrierCode: s.CarrierCode,
			ServiceCode: s.ServiceCode,
			ServiceName: s.ServiceName,
			Total:       dec.value("shipping.total", s.Total),
		}
	}
	for _, note := range doc.Notes {
		order.Notes = append(order.Notes, domain.OrderNote{Message: note.Message, CreatedAt: note.CreatedAt})
	}
	if doc.Lock != nil {
		order.Lock = &domain.AppendLock{Holder: doc.Lock.Holder, ExpiresAt: doc.Lock.ExpiresAt}
	}
	if dec.err != nil {
		return domain.Order{}, fmt.Errorf("orders: decode %s: %w", id, dec.err)
	}
	return order, nil
}

func encodeAddress(a domain.Address) addressDocument {
	return addressDocument{
		FirstName:  a.FirstName,
		LastName:   a.LastName,
		Company:    a.Company,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
		Phone:      a.Phone,
	}
}

func decodeAddress(a addressDocument) domain.Address {
	return domain.Address{
		FirstName:  a.FirstName,
		LastName:   a.LastName,
		Company:    a.Company,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
		Phone:      a.Phone,
	}
}

func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
