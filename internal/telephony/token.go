package telephony

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Status callbacks arrive on a public endpoint with no carrier-side
// signature we control, so the callback URL itself carries a signed,
// call-scoped token. A callback whose token fails verification is
// dropped.

var ErrBadCallbackToken = errors.New("telephony: invalid callback token")

type callbackClaims struct {
	CallID string `json:"call_id"`
	OrgID  string `json:"org_id"`
	jwt.RegisteredClaims
}

// CallbackTokens signs and verifies call-scoped callback tokens.
type CallbackTokens struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

func NewCallbackTokens(secret string, ttl time.Duration) *CallbackTokens {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CallbackTokens{secret: []byte(secret), ttl: ttl, clock: time.Now}
}

func (t *CallbackTokens) Sign(callID, orgID string) (string, error) {
	if callID == "" || orgID == "" {
		return "", fmt.Errorf("telephony: callID and orgID are required")
	}
	now := t.clock().UTC()
	claims := callbackClaims{
		CallID: callID,
		OrgID:  orgID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify returns the call and org ids a valid token is scoped to.
func (t *CallbackTokens) Verify(token string) (callID, orgID string, err error) {
	var claims callbackClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return t.clock().UTC() }))
	if err != nil || !parsed.Valid {
		return "", "", ErrBadCallbackToken
	}
	if claims.CallID == "" {
		return "", "", ErrBadCallbackToken
	}
	return claims.CallID, claims.OrgID, nil
}

// CallbackURL builds the status-callback URL the carrier posts to.
func (t *CallbackTokens) CallbackURL(baseURL, callID, orgID string) (string, error) {
	token, err := t.Sign(callID, orgID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/webhooks/carrier/status?token=%s", baseURL, url.QueryEscape(token)), nil
}
