package services

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	defaultUpsellTokenTTL = 30 * time.Minute
	upsellTokenIssuer     = "funnel-checkout"
	upsellTokenAudience   = "upsell"
)

// UpsellTokenClaims binds an order to the processor transaction that paid for it.
type UpsellTokenClaims struct {
	TransactionID string `json:"txn"`
	jwt.RegisteredClaims
}

// UpsellTokens issues and verifies the HS256 tokens that authorize one-click upsells.
type UpsellTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewUpsellTokens builds a signer. The secret is required.
func NewUpsellTokens(secret string, ttl time.Duration, clock func() time.Time) (*UpsellTokens, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("upsell tokens: secret is required")
	}
	if ttl <= 0 {
		ttl = defaultUpsellTokenTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &UpsellTokens{
		secret: []byte(secret),
		ttl:    ttl,
		now: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// Issue signs a token for orderID paid by transactionID.
func (t *UpsellTokens) Issue(orderID, transactionID string) (string, error) {
	now := t.now()
	claims := UpsellTokenClaims{
		TransactionID: transactionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    upsellTokenIssuer,
			Subject:   orderID,
			Audience:  jwt.ClaimStrings{upsellTokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign upsell token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry, then that the token names orderID and that its
// transaction matches the order's recorded transaction in constant time.
func (t *UpsellTokens) Verify(token, orderID, transactionID string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: token is required", ErrUpsellUnauthorized)
	}
	claims := &UpsellTokenClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrUpsellUnauthorized, err)
	}

	now := t.now()
	if claims.ExpiresAt == nil || !now.Before(claims.ExpiresAt.Time) {
		return fmt.Errorf("%w: token expired", ErrUpsellUnauthorized)
	}
	if !claims.VerifyAudience(upsellTokenAudience, true) || !claims.VerifyIssuer(upsellTokenIssuer, true) {
		return fmt.Errorf("%w: token audience mismatch", ErrUpsellUnauthorized)
	}
	if claims.Subject != orderID {
		return fmt.Errorf("%w: token does not match order", ErrUpsellUnauthorized)
	}
	if transactionID == "" || subtle.ConstantTimeCompare([]byte(claims.TransactionID), []byte(transactionID)) != 1 {
		return fmt.Errorf("%w: transaction mismatch", ErrUpsellUnauthorized)
	}
	return nil
}
