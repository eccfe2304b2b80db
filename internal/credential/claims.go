package credential

import (
	"time"

	"licensing/internal/domain"
)

const (
	ClaimLicenseKey = "license_key"
	ClaimProduct    = "product"
	ClaimTerminalID = "terminal_id"
	ClaimOrderID    = "order_id"
	ClaimIssuer     = "iss"
	ClaimIssuedAt   = "iat"
	ClaimExpiresAt  = "exp"
	ClaimTokenID    = "jti"
)

func (c Claims) String(name string) (string, bool) {
	s, ok := c[name].(string)
	return s, ok
}

func (c Claims) Int(name string) (int64, bool) {
	switch n := c[name].(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	}
	return 0, false
}

// LicenseClaims is the typed view of a license credential.
type LicenseClaims struct {
	LicenseKey string
	Product    string
	TerminalID string
	OrderID    string
	Issuer     string
	TokenID    string
	IssuedAt   time.Time
	ExpiresAt  *time.Time
}

func (lc LicenseClaims) Claims() Claims {
	c := Claims{
		ClaimLicenseKey: lc.LicenseKey,
		ClaimIssuedAt:   lc.IssuedAt.Unix(),
	}
	setIfNotEmpty(c, ClaimProduct, lc.Product)
	setIfNotEmpty(c, ClaimTerminalID, lc.TerminalID)
	setIfNotEmpty(c, ClaimOrderID, lc.OrderID)
	setIfNotEmpty(c, ClaimIssuer, lc.Issuer)
	setIfNotEmpty(c, ClaimTokenID, lc.TokenID)
	if lc.ExpiresAt != nil {
		c[ClaimExpiresAt] = lc.ExpiresAt.Unix()
	}
	return c
}

// Expired reports whether the credential carries an expiry earlier than now.
func (lc LicenseClaims) Expired(now time.Time) bool {
	return lc.ExpiresAt != nil && lc.ExpiresAt.Before(now)
}

// ParseLicenseClaims requires a non-empty license key; everything else is optional.
func ParseLicenseClaims(c Claims) (LicenseClaims, error) {
	key, ok := c.String(ClaimLicenseKey)
	if !ok || key == "" {
		return LicenseClaims{}, domain.ErrInvalidCredential
	}
	lc := LicenseClaims{LicenseKey: key}
	lc.Product, _ = c.String(ClaimProduct)
	lc.TerminalID, _ = c.String(ClaimTerminalID)
	lc.OrderID, _ = c.String(ClaimOrderID)
	lc.Issuer, _ = c.String(ClaimIssuer)
	lc.TokenID, _ = c.String(ClaimTokenID)
	if iat, ok := c.Int(ClaimIssuedAt); ok {
		lc.IssuedAt = time.Unix(iat, 0).UTC()
	}
	if exp, ok := c.Int(ClaimExpiresAt); ok {
		t := time.Unix(exp, 0).UTC()
		lc.ExpiresAt = &t
	}
	return lc, nil
}

func setIfNotEmpty(c Claims, name, value string) {
	if value != "" {
		c[name] = value
	}
}
