package util

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

func GenerateUUID() string {
	return uuid.Must(uuid.NewRandom()).String()
}

// TokenID builds the jti claim of a signed credential.
func TokenID(licenseID string, issuedAt time.Time) string {
	return fmt.Sprintf("lic-%s-%d", licenseID, issuedAt.Unix())
}
