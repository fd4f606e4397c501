package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalid is returned for every validation failure. Callers must not learn
// whether the signature, shape, or expiry was the problem.
var ErrInvalid = errors.New("invalid download token")

// Payload is the self-contained claim set bound into a download token.
type Payload struct {
	JobID    string    `json:"job_id"`
	TenantID string    `json:"tenant_id"`
	IssuedAt time.Time `json:"issued_at"`
	Expires  time.Time `json:"expires_at"`
}

// Issuer mints and validates signed, expiring download tokens. Validity is
// entirely computable from the token plus the secret; nothing is stored.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer builds an issuer from the server-held secret.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("download token secret is required")
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue serializes and signs a payload binding jobID to tenantID. The result
// is opaque to the client: base64url(payload) + "." + base64url(hmac).
func (i *Issuer) Issue(jobID, tenantID string) (string, error) {
	now := i.now().UTC()
	payload := Payload{
		JobID:    jobID,
		TenantID: tenantID,
		IssuedAt: now,
		Expires:  now.Add(i.ttl),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal token payload: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(raw)
	return body + "." + i.sign(body), nil
}

// Validate verifies the signature and expiry and returns the embedded payload.
// Any mismatch yields ErrInvalid.
func (i *Issuer) Validate(tok string) (Payload, error) {
	body, sig, ok := strings.Cut(tok, ".")
	if !ok || body == "" || sig == "" {
		return Payload{}, ErrInvalid
	}
	if !hmac.Equal([]byte(i.sign(body)), []byte(sig)) {
		return Payload{}, ErrInvalid
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Payload{}, ErrInvalid
	}
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Payload{}, ErrInvalid
	}
	if payload.JobID == "" || payload.TenantID == "" {
		return Payload{}, ErrInvalid
	}
	if i.now().After(payload.Expires) {
		return Payload{}, ErrInvalid
	}
	return payload, nil
}

func (i *Issuer) sign(body string) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
