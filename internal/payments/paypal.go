package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/text/language"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
)

const (
	processorPayPal = "paypal"

	// PayPalSandboxURL and PayPalLiveURL are the REST API hosts per processor mode.
	PayPalSandboxURL = "https://api-m.sandbox.paypal.com"
	PayPalLiveURL    = "https://api-m.paypal.com"

	pathPayPalToken   = "/v1/oauth2/token"
	pathPayPalOrders  = "/v2/checkout/orders"
	pathPayPalCapture = "/v2/payments/captures"

	defaultPayPalTimeout  = 30 * time.Second
	minPayPalTokenTTL     = 60 * time.Second
	payPalTokenSafetyGap  = 300 * time.Second
	payPalStatusCompleted = "COMPLETED"
)

// PayPalCredentials is one REST app credential pair.
type PayPalCredentials struct {
	ClientID string
	Secret   string
}

// PayPalConfig configures the wallet client.
type PayPalConfig struct {
	Sandbox    PayPalCredentials
	Live       PayPalCredentials
	ReturnURL  string
	CancelURL  string
	BrandName  string
	Timeout    time.Duration
	HTTPClient *http.Client
	// BaseURLs overrides the API host per mode.
	BaseURLs map[domain.ProcessorMode]string
	Logger   StripeLogger
	Clock    func() time.Time
}

// WalletOrderRequest creates a CAPTURE-intent PayPal order for a draft.
type WalletOrderRequest struct {
	DraftID     string
	Amount      string
	Currency    string
	Description string
	Locale      string
}

// WalletOrder is the created order and the URL the buyer approves it at.
type WalletOrder struct {
	ID         string
	Status     string
	ApproveURL string
}

// WalletCapture summarises a captured order.
type WalletCapture struct {
	OrderID    string
	Status     string
	CaptureID  string
	PayerID    string
	PayerEmail string
	Amount     string
	Currency   string
}

// Completed reports whether both the order and its capture completed.
func (c WalletCapture) Completed() bool {
	return c.Status == payPalStatusCompleted && c.CaptureID != ""
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// PayPalClient calls the PayPal Orders v2 REST API with per-mode OAuth tokens.
type PayPalClient struct {
	httpClient *http.Client
	creds      map[domain.ProcessorMode]PayPalCredentials
	baseURLs   map[domain.ProcessorMode]string
	returnURL  string
	cancelURL  string
	brandName  string
	logger     StripeLogger
	clock      func() time.Time

	mu     sync.Mutex
	tokens map[domain.ProcessorMode]cachedToken
}

// NewPayPalClient constructs the wallet client. Modes without credentials are rejected at call
// time with ErrUnsupportedMode.
func NewPayPalClient(cfg PayPalConfig) *PayPalClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPayPalTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	baseURLs := map[domain.ProcessorMode]string{
		domain.ProcessorModeTest: PayPalSandboxURL,
		domain.ProcessorModeLive: PayPalLiveURL,
	}
	for mode, base := range cfg.BaseURLs {
		if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
			baseURLs[mode] = base
		}
	}
	creds := make(map[domain.ProcessorMode]PayPalCredentials, 2)
	if cfg.Sandbox.ClientID != "" && cfg.Sandbox.Secret != "" {
		creds[domain.ProcessorModeTest] = cfg.Sandbox
	}
	if cfg.Live.ClientID != "" && cfg.Live.Secret != "" {
		creds[domain.ProcessorModeLive] = cfg.Live
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &PayPalClient{
		httpClient: httpClient,
		creds:      creds,
		baseURLs:   baseURLs,
		returnURL:  strings.TrimSpace(cfg.ReturnURL),
		cancelURL:  strings.TrimSpace(cfg.CancelURL),
		brandName:  strings.TrimSpace(cfg.BrandName),
		logger:     logger,
		clock:      clock,
		tokens:     make(map[domain.ProcessorMode]cachedToken, 2),
	}
}

type payPalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type payPalPurchaseUnit struct {
	ReferenceID string       `json:"reference_id"`
	CustomID    string       `json:"custom_id"`
	Description string       `json:"description,omitempty"`
	Amount      payPalAmount `json:"amount"`
}

type payPalApplicationContext struct {
	BrandName          string `json:"brand_name,omitempty"`
	Locale             string `json:"locale,omitempty"`
	ShippingPreference string `json:"shipping_preference"`
	UserAction         string `json:"user_action"`
	ReturnURL          string `json:"return_url,omitempty"`
	CancelURL          string `json:"cancel_url,omitempty"`
}

type payPalCreateOrderBody struct {
	Intent             string                   `json:"intent"`
	PurchaseUnits      []payPalPurchaseUnit     `json:"purchase_units"`
	ApplicationContext payPalApplicationContext `json:"application_context"`
}

type payPalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type payPalOrderResponse struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Links  []payPalLink `json:"links"`
	Payer  struct {
		PayerID      string `json:"payer_id"`
		EmailAddress string `json:"email_address"`
	} `json:"payer"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string       `json:"id"`
				Status string       `json:"status"`
				Amount payPalAmount `json:"amount"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

// CreateOrder creates the PayPal order. The draft id doubles as reference, custom id and
// PayPal-Request-Id so a retried create returns the same order.
func (c *PayPalClient) CreateOrder(ctx context.Context, mode domain.ProcessorMode, req WalletOrderRequest) (WalletOrder, error) {
	if strings.TrimSpace(req.DraftID) == "" || strings.TrimSpace(req.Amount) == "" {
		return WalletOrder{}, errors.New("paypal: draft id and amount are required")
	}
	body := payPalCreateOrderBody{
		Intent: "CAPTURE",
		PurchaseUnits: []payPalPurchaseUnit{{
			ReferenceID: req.DraftID,
			CustomID:    req.DraftID,
			Description: truncate(req.Description, 127),
			Amount: payPalAmount{
				CurrencyCode: strings.ToUpper(defaultString(req.Currency, "USD")),
				Value:        req.Amount,
			},
		}},
		ApplicationContext: payPalApplicationContext{
			BrandName:          truncate(c.brandName, 127),
			Locale:             payPalLocale(req.Locale),
			ShippingPreference: "NO_SHIPPING",
			UserAction:         "PAY_NOW",
			ReturnURL:          c.returnURL,
			CancelURL:          c.cancelURL,
		},
	}
	var resp payPalOrderResponse
	if err := c.call(ctx, mode, "orders.create", http.MethodPost, pathPayPalOrders, req.DraftID, body, &resp); err != nil {
		return WalletOrder{}, err
	}
	order := WalletOrder{ID: resp.ID, Status: resp.Status}
	for _, link := range resp.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			order.ApproveURL = link.Href
			break
		}
	}
	c.logger(ctx, "payments.paypal.order.created", map[string]any{"paypalOrderId": resp.ID, "draftId": req.DraftID})
	return order, nil
}

// CaptureOrder captures an approved order. Declined instruments come back as
// *ChargeOutcomeError.
func (c *PayPalClient) CaptureOrder(ctx context.Context, mode domain.ProcessorMode, orderID string) (WalletCapture, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return WalletCapture{}, errors.New("paypal: order id is required")
	}
	var resp payPalOrderResponse
	path := pathPayPalOrders + "/" + url.PathEscape(orderID) + "/capture"
	if err := c.call(ctx, mode, "orders.capture", http.MethodPost, path, "capture-"+orderID, struct{}{}, &resp); err != nil {
		var gw *GatewayError
		if errors.As(err, &gw) && gw.StatusCode == http.StatusUnprocessableEntity {
			switch gw.Code {
			case "INSTRUMENT_DECLINED":
				return WalletCapture{}, &ChargeOutcomeError{Outcome: OutcomeDeclined, IntentID: orderID, Message: gw.Message}
			case "PAYER_ACTION_REQUIRED":
				return WalletCapture{}, &ChargeOutcomeError{Outcome: OutcomeRequiresAction, IntentID: orderID, Message: gw.Message}
			}
		}
		return WalletCapture{}, err
	}
	capture := WalletCapture{
		OrderID:    resp.ID,
		Status:     resp.Status,
		PayerID:    resp.Payer.PayerID,
		PayerEmail: resp.Payer.EmailAddress,
	}
	for _, unit := range resp.PurchaseUnits {
		for _, cp := range unit.Payments.Captures {
			if capture.CaptureID == "" || cp.Status == payPalStatusCompleted {
				capture.CaptureID = cp.ID
				capture.Amount = cp.Amount.Value
				capture.Currency = cp.Amount.CurrencyCode
				if cp.Status != payPalStatusCompleted {
					capture.Status = cp.Status
				}
			}
		}
	}
	c.logger(ctx, "payments.paypal.order.captured", map[string]any{
		"paypalOrderId": resp.ID,
		"captureId":     capture.CaptureID,
		"status":        capture.Status,
	})
	return capture, nil
}

// RefundCapture refunds a capture in full.
func (c *PayPalClient) RefundCapture(ctx context.Context, mode domain.ProcessorMode, captureID string) error {
	captureID = strings.TrimSpace(captureID)
	if captureID == "" {
		return errors.New("paypal: capture id is required")
	}
	path := pathPayPalCapture + "/" + url.PathEscape(captureID) + "/refund"
	if err := c.call(ctx, mode, "captures.refund", http.MethodPost, path, "refund-"+captureID, struct{}{}, nil); err != nil {
		return err
	}
	c.logger(ctx, "payments.paypal.capture.refunded", map[string]any{"captureId": captureID})
	return nil
}

func (c *PayPalClient) call(ctx context.Context, mode domain.ProcessorMode, op, method, path, requestID string, body, out any) error {
	token, err := c.accessToken(ctx, mode)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("paypal: marshal %s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURLs[mode]+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("paypal: build %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Prefer", "return=representation")
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}
	return c.do(req, op, out)
}

// accessToken returns the cached client-credentials token for mode, refreshing it
// max(60s, expires_in-300s) after issue.
func (c *PayPalClient) accessToken(ctx context.Context, mode domain.ProcessorMode) (string, error) {
	creds, ok := c.creds[mode]
	if !ok {
		return "", fmt.Errorf("%w: paypal %q", ErrUnsupportedMode, mode)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	if cached, ok := c.tokens[mode]; ok && now.Before(cached.expiresAt) {
		return cached.value, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURLs[mode]+pathPayPalToken, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("paypal: build token request: %w", err)
	}
	req.SetBasicAuth(creds.ClientID, creds.Secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := c.do(req, "oauth.token", &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", &GatewayError{Processor: processorPayPal, Op: "oauth.token", Message: "empty access token"}
	}
	ttl := max(time.Duration(resp.ExpiresIn)*time.Second-payPalTokenSafetyGap, minPayPalTokenTTL)
	c.tokens[mode] = cachedToken{value: resp.AccessToken, expiresAt: now.Add(ttl)}
	return resp.AccessToken, nil
}

type payPalErrorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	DebugID string `json:"debug_id"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
	// OAuth failures use a different shape.
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (c *PayPalClient) do(req *http.Request, op string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &GatewayError{Processor: processorPayPal, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &GatewayError{Processor: processorPayPal, Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 300 {
		return parsePayPalError(op, resp.StatusCode, body)
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return &GatewayError{Processor: processorPayPal, Op: op, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
		}
	}
	return nil
}

func parsePayPalError(op string, status int, body []byte) error {
	gw := &GatewayError{Processor: processorPayPal, Op: op, StatusCode: status}
	var parsed payPalErrorResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		gw.Message = http.StatusText(status)
		return gw
	}
	gw.Code = defaultString(parsed.Name, parsed.Error)
	gw.Message = defaultString(parsed.Message, parsed.ErrorDescription)
	if len(parsed.Details) > 0 && parsed.Details[0].Issue != "" {
		gw.Code = parsed.Details[0].Issue
		if parsed.Details[0].Description != "" {
			gw.Message = parsed.Details[0].Description
		}
	}
	if parsed.DebugID != "" {
		gw.Message = strings.TrimSpace(gw.Message + " (debug_id " + parsed.DebugID + ")")
	}
	return gw
}

// payPalLocale converts a BCP 47 tag such as "en_us" into PayPal's "en-US" form. Unparseable
// or language-only tags are omitted.
func payPalLocale(raw string) string {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, "_", "-"))
	if raw == "" {
		return ""
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return ""
	}
	base, _ := tag.Base()
	region, conf := tag.Region()
	if conf != language.Exact {
		return ""
	}
	return base.String() + "-" + region.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
