package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLicenseState(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name     string
		license  License
		expected LicenseState
	}{
		{"fresh", License{Status: LicenseStatusActive, ExpiresAt: &future}, StateIssued},
		{"no expiry", License{Status: LicenseStatusActive}, StateIssued},
		{"bound", License{Status: LicenseStatusActive, Activated: true, ExpiresAt: &future}, StateActivatedBound},
		{"expired by time", License{Status: LicenseStatusActive, Activated: true, ExpiresAt: &past}, StateExpired},
		{"expired by status", License{Status: LicenseStatusExpired}, StateExpired},
		{"revoked", License{Status: LicenseStatusRevoked, Activated: true}, StateRevoked},
		{"revoked wins over expiry", License{Status: LicenseStatusRevoked, ExpiresAt: &past}, StateRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.license.State(now))
		})
	}
}

func TestMessageStatusTerminal(t *testing.T) {
	assert.False(t, MessageStatusQueued.Terminal())
	assert.False(t, MessageStatusSending.Terminal())
	assert.True(t, MessageStatusSent.Terminal())
	assert.True(t, MessageStatusFailed.Terminal())
}

func TestContact(t *testing.T) {
	assert.True(t, Contact{}.Empty())
	assert.Equal(t, "a@b.c", Contact{Email: "a@b.c", Phone: "+1"}.IssuedTo())
	assert.Equal(t, "+1", Contact{Phone: "+1"}.IssuedTo())
}
