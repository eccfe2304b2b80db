package credential

import (
	"crypto/rsa"
	"encoding/base64"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensing/internal/domain"
)

var testKey *rsa.PrivateKey

func TestMain(m *testing.M) {
	var err error
	testKey, err = GenerateKeyPair(MinKeyBits)
	if err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func sampleClaims() Claims {
	return Claims{
		ClaimLicenseKey: "POS-AB12-CD34-EF56-GH78",
		ClaimProduct:    "pos-pro",
		ClaimTerminalID: "TERM-01",
		ClaimIssuedAt:   int64(1700000000),
		ClaimExpiresAt:  int64(1731536000),
		"seats":         int64(1),
		"trial":         false,
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer := NewSigner(testKey)

	tests := []struct {
		name   string
		claims Claims
	}{
		{"license claims", sampleClaims()},
		{"empty", Claims{}},
		{"unicode", Claims{"name": "Café ☕", "quote": `"x"`}},
		{"negative", Claims{"n": int64(-42)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := signer.Sign(tt.claims)
			require.NoError(t, err)

			got, err := signer.Verifier().Verify(token)
			require.NoError(t, err)
			assert.Equal(t, tt.claims, got)
		})
	}
}

func TestSignIsDeterministic(t *testing.T) {
	signer := NewSigner(testKey)
	a, err := signer.Sign(sampleClaims())
	require.NoError(t, err)
	b, err := signer.Sign(sampleClaims())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestTokenWireFormat(t *testing.T) {
	token, err := NewSigner(testKey).Sign(Claims{ClaimLicenseKey: "POS-AAAA-BBBB-CCCC-DDDD"})
	require.NoError(t, err)

	envelope, err := base64.StdEncoding.DecodeString(token)
	require.NoError(t, err)
	fields, err := unmarshalFlat(envelope)
	require.NoError(t, err)
	require.Len(t, fields, 2)

	payload, ok := fields.String("payload")
	require.True(t, ok)
	inner, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	assert.Equal(t, `{"license_key":"POS-AAAA-BBBB-CCCC-DDDD"}`, string(inner))
	assert.Regexp(t, `^\{"payload":"[A-Za-z0-9+/=]+","signature":"[A-Za-z0-9+/=]+"\}$`, string(envelope))
}

func TestVerifyRejectsEverySingleBitFlip(t *testing.T) {
	signer := NewSigner(testKey)
	verifier := signer.Verifier()
	token, err := signer.Sign(sampleClaims())
	require.NoError(t, err)

	raw := []byte(token)
	for i := range raw {
		for bit := 0; bit < 8; bit++ {
			mutated := make([]byte, len(raw))
			copy(mutated, raw)
			mutated[i] ^= 1 << bit

			claims, err := verifier.Verify(string(mutated))
			if !assert.ErrorIs(t, err, domain.ErrInvalidCredential, "byte %d bit %d", i, bit) {
				return
			}
			assert.Nil(t, claims)
		}
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	other, err := GenerateKeyPair(MinKeyBits)
	require.NoError(t, err)

	token, err := NewSigner(other).Sign(sampleClaims())
	require.NoError(t, err)

	_, err = NewSigner(testKey).Verifier().Verify(token)
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)
}

func TestVerifyRejectsMalformedInput(t *testing.T) {
	verifier := NewSigner(testKey).Verifier()
	enc := base64.StdEncoding.EncodeToString

	good, err := NewSigner(testKey).Sign(sampleClaims())
	require.NoError(t, err)
	envelope, err := base64.StdEncoding.DecodeString(good)
	require.NoError(t, err)
	fields, err := unmarshalFlat(envelope)
	require.NoError(t, err)
	payload, _ := fields.String("payload")
	signature, _ := fields.String("signature")

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"not base64", "!!!"},
		{"not json", enc([]byte("hello"))},
		{"array envelope", enc([]byte(`["a","b"]`))},
		{"missing signature", enc([]byte(`{"payload":"` + payload + `"}`))},
		{"extra field", enc([]byte(`{"extra":"x","payload":"` + payload + `","signature":"` + signature + `"}`))},
		{"non canonical whitespace", enc([]byte(`{"payload": "` + payload + `","signature":"` + signature + `"}`))},
		{"capitalised key", enc([]byte(`{"Payload":"` + payload + `","signature":"` + signature + `"}`))},
		{"wrapped lines", good[:40] + "\n" + good[40:]},
		{"signature over other payload", enc([]byte(`{"payload":"` + enc([]byte(`{"license_key":"POS-ZZZZ-ZZZZ-ZZZZ-ZZZZ"}`)) + `","signature":"` + signature + `"}`))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := verifier.Verify(tt.token)
			assert.ErrorIs(t, err, domain.ErrInvalidCredential)
			assert.Nil(t, claims)
		})
	}
}

func TestSignRejectsUnsupportedClaims(t *testing.T) {
	_, err := NewSigner(testKey).Sign(Claims{"price": 9.99})
	assert.Error(t, err)
}

func TestLicenseClaimsRoundTrip(t *testing.T) {
	issued := time.Unix(1700000000, 0).UTC()
	expires := issued.Add(365 * 24 * time.Hour)
	lc := LicenseClaims{
		LicenseKey: "POS-AB12-CD34-EF56-GH78",
		Product:    "pos-pro",
		TerminalID: "TERM-01",
		OrderID:    "order-1",
		Issuer:     "Reed POS Technologies",
		TokenID:    "lic-1-1700000000",
		IssuedAt:   issued,
		ExpiresAt:  &expires,
	}

	signer := NewSigner(testKey)
	token, err := signer.Sign(lc.Claims())
	require.NoError(t, err)
	claims, err := signer.Verifier().Verify(token)
	require.NoError(t, err)

	parsed, err := ParseLicenseClaims(claims)
	require.NoError(t, err)
	assert.Equal(t, lc, parsed)
	assert.False(t, parsed.Expired(issued))
	assert.True(t, parsed.Expired(expires.Add(time.Second)))
}

func TestParseLicenseClaimsRequiresKey(t *testing.T) {
	_, err := ParseLicenseClaims(Claims{ClaimProduct: "pos"})
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)

	_, err = ParseLicenseClaims(Claims{ClaimLicenseKey: int64(5)})
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)
}
