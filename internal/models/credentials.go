package models

import "time"

// Provider tags carried in a credential bundle.
const (
	ProviderGmail   = "google"
	ProviderOutlook = "outlook"
	ProviderSMTP    = "smtp"
)

// CredentialBundle is a provider's token set. It travels through the queue
// only in encrypted form and is decrypted inside a worker just before send.
type CredentialBundle struct {
	Provider     string `json:"provider"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiryDate   int64  `json:"expiry_date"` // unix milliseconds
}

// Expired reports whether the access token's stored expiry has passed.
func (c CredentialBundle) Expired(now time.Time) bool {
	return c.ExpiryDate > 0 && now.UnixMilli() > c.ExpiryDate
}
