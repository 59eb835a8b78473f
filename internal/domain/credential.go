package domain

import "time"

// CredentialRecord exchange API credentials for one account type.
// Secrets are either fully plaintext or fully encrypted, never mixed.
type CredentialRecord struct {
	AccountType       AccountType `json:"account_type"`
	APIKey            string      `json:"api_key"`
	APISecret         string      `json:"api_secret"`
	Testnet           bool        `json:"testnet"`
	Note              string      `json:"note,omitempty"`
	UpdatedAt         time.Time   `json:"updated_at"`
	Encrypted         bool        `json:"encrypted"`
	NeedsRotation     bool        `json:"needs_rotation,omitempty"`
	RotationReason    string      `json:"rotation_reason,omitempty"`
	RotationFlaggedAt *time.Time  `json:"rotation_flagged_at,omitempty"`
}

// HasSecrets reports whether both halves of the key pair are present.
func (r CredentialRecord) HasSecrets() bool {
	return r.APIKey != "" && r.APISecret != ""
}

// MaskedKey returns the API key reduced to first4…last4.
func (r CredentialRecord) MaskedKey() string {
	return MaskKey(r.APIKey)
}

// MaskKey masks an API key for display.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "…" + key[len(key)-4:]
}
