package identity

import (
	"encoding/json"
	"strings"
)

const (
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"
)

// ClerkEvent is the envelope of an identity webhook.
type ClerkEvent struct {
	Type   string          `json:"type"`
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
}

type ClerkEmailAddress struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
}

// ClerkUser is the subset of the provider's user object we mirror.
type ClerkUser struct {
	ID                    string              `json:"id"`
	EmailAddresses        []ClerkEmailAddress `json:"email_addresses"`
	PrimaryEmailAddressID string              `json:"primary_email_address_id"`
	Deleted               bool                `json:"deleted"`
}

// PrimaryEmail returns the address referenced by PrimaryEmailAddressID.
func (u ClerkUser) PrimaryEmail() (string, bool) {
	if u.PrimaryEmailAddressID == "" {
		return "", false
	}
	for _, e := range u.EmailAddresses {
		if e.ID == u.PrimaryEmailAddressID && strings.TrimSpace(e.EmailAddress) != "" {
			return strings.TrimSpace(e.EmailAddress), true
		}
	}
	return "", false
}
