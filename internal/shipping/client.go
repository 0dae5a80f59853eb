// Package shipping is a client for a ShipStation-compatible carrier rate API.
package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
)

const (
	// DefaultBaseURL is the public ShipStation API host.
	DefaultBaseURL = "https://ssapi.shipstation.com"
	defaultTimeout = 15 * time.Second
	pathGetRates   = "/shipments/getrates"
)

// ErrorKind classifies rate API failures.
type ErrorKind string

const (
	KindGateway     ErrorKind = "gateway"
	KindUnavailable ErrorKind = "unavailable"
)

// Error reports a failed rate request for one carrier.
type Error struct {
	Kind       ErrorKind
	Carrier    string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode > 0:
		return fmt.Sprintf("shipping: %s: status %d: %s", e.Carrier, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("shipping: %s: %v", e.Carrier, e.Err)
	default:
		return fmt.Sprintf("shipping: %s: %s", e.Carrier, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Parcel is the package being rated.
type Parcel struct {
	WeightOunces decimal.Decimal
	Value        decimal.Decimal
}

// RateRequest asks one carrier for rates to a destination.
type RateRequest struct {
	CarrierCode    string
	FromPostalCode string
	To             domain.Address
	Parcel         Parcel
	Residential    bool
}

// Config configures the client.
type Config struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls POST /shipments/getrates with Basic auth.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	apiSecret  string
}

// NewClient builds a rate client. The API key and secret are required.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.APISecret) == "" {
		return nil, errors.New("shipping: api key and secret are required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    base,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		apiSecret:  strings.TrimSpace(cfg.APISecret),
	}, nil
}

type weight struct {
	Value float64 `json:"value"`
	Units string  `json:"units"`
}

type rateRequestBody struct {
	CarrierCode    string  `json:"carrierCode"`
	FromPostalCode string  `json:"fromPostalCode"`
	ToState        string  `json:"toState,omitempty"`
	ToCountry      string  `json:"toCountry"`
	ToPostalCode   string  `json:"toPostalCode"`
	ToCity         string  `json:"toCity,omitempty"`
	Weight         weight  `json:"weight"`
	Confirmation   string  `json:"confirmation"`
	Residential    bool    `json:"residential"`
	InsuredValue   float64 `json:"insuredValue,omitempty"`
}

type rateResponse struct {
	ServiceName  string          `json:"serviceName"`
	ServiceCode  string          `json:"serviceCode"`
	ShipmentCost decimal.Decimal `json:"shipmentCost"`
	OtherCost    decimal.Decimal `json:"otherCost"`
}

type errorResponse struct {
	Message          string `json:"Message"`
	ExceptionMessage string `json:"ExceptionMessage"`
}

// GetRates returns the carrier's quoted services, each tagged with the carrier code.
func (c *Client) GetRates(ctx context.Context, req RateRequest) ([]domain.ShippingRate, error) {
	carrier := strings.TrimSpace(req.CarrierCode)
	if carrier == "" {
		return nil, errors.New("shipping: carrier code is required")
	}
	ounces, _ := req.Parcel.WeightOunces.Float64()
	value, _ := req.Parcel.Value.Float64()
	body := rateRequestBody{
		CarrierCode:    carrier,
		FromPostalCode: req.FromPostalCode,
		ToState:        strings.TrimSpace(req.To.State),
		ToCountry:      strings.ToUpper(strings.TrimSpace(req.To.Country)),
		ToPostalCode:   strings.TrimSpace(req.To.PostalCode),
		ToCity:         strings.TrimSpace(req.To.City),
		Weight:         weight{Value: ounces, Units: "ounces"},
		Confirmation:   "none",
		Residential:    req.Residential,
		InsuredValue:   value,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("shipping: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pathGetRates, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("shipping: build request: %w", err)
	}
	httpReq.SetBasicAuth(c.apiKey, c.apiSecret)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Carrier: carrier, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Carrier: carrier, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var parsed errorResponse
		_ = json.Unmarshal(raw, &parsed)
		msg := strings.TrimSpace(parsed.Message)
		if parsed.ExceptionMessage != "" {
			msg = strings.TrimSpace(msg + " " + parsed.ExceptionMessage)
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &Error{Kind: KindGateway, Carrier: carrier, StatusCode: resp.StatusCode, Message: msg}
	}

	var quoted []rateResponse
	if err := json.Unmarshal(raw, &quoted); err != nil {
		return nil, &Error{Kind: KindGateway, Carrier: carrier, StatusCode: resp.StatusCode, Message: "malformed rate response", Err: err}
	}
	rates := make([]domain.ShippingRate, 0, len(quoted))
	for _, q := range quoted {
		rates = append(rates, domain.ShippingRate{
			CarrierCode:  carrier,
			ServiceCode:  q.ServiceCode,
			ServiceName:  q.ServiceName,
			ShipmentCost: q.ShipmentCost,
			OtherCost:    q.OtherCost,
		})
	}
	return rates, nil
}
