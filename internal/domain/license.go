package domain

import "time"

type LicenseStatus string

const (
	LicenseStatusActive  LicenseStatus = "active"
	LicenseStatusRevoked LicenseStatus = "revoked"
	LicenseStatusExpired LicenseStatus = "expired"
)

// LicenseState is the derived lifecycle state used by the activation flow.
type LicenseState string

const (
	StateIssued         LicenseState = "issued"
	StateActivatedBound LicenseState = "activated-bound"
	StateRevoked        LicenseState = "revoked"
	StateExpired        LicenseState = "expired"
)

type License struct {
	ID          string
	Key         string
	Product     string
	OrderID     string
	IssuedTo    string
	Status      LicenseStatus
	Activated   bool
	ActivatedAt *time.Time
	ExpiresAt   *time.Time
	CreatedAt   time.Time
}

// ExpiredAt reports whether the license is past its expiry at now, either by
// stored status or by timestamp comparison.
func (l *License) ExpiredAt(now time.Time) bool {
	if l.Status == LicenseStatusExpired {
		return true
	}
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// State derives the lifecycle state at now. Revocation wins over expiry.
func (l *License) State(now time.Time) LicenseState {
	switch {
	case l.Status == LicenseStatusRevoked:
		return StateRevoked
	case l.ExpiredAt(now):
		return StateExpired
	case l.Activated:
		return StateActivatedBound
	default:
		return StateIssued
	}
}

// Activation is an append-only binding record. The latest row per license
// names its current terminal.
type Activation struct {
	ID          string
	LicenseID   string
	TerminalID  string
	ActivatedAt time.Time
}
