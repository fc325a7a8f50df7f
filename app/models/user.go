package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const (
	PLAN_FREE = "FREE"
	PLAN_PRO  = "PRO"
)

var apiKeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

const apiKeyPrefix = "pm_"

// User is the local mirror of an identity-provider account.
// ExternalID is the provider's user id and never changes once written.
type User struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	ExternalID       string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"external_id"`
	Email            string     `gorm:"type:varchar(200);not null" json:"email" validate:"required,email,max=200"`
	Plan             string     `gorm:"type:varchar(10);not null;default:'FREE'" json:"plan" validate:"oneof=FREE PRO"`
	QuotaLimit       int        `gorm:"not null;default:0" json:"quota_limit"`
	QuotaPeriodStart time.Time  `gorm:"not null" json:"quota_period_start"`
	DiscordID        *string    `gorm:"type:varchar(32);default:null" json:"discord_id"`
	APIKeyHash       string     `gorm:"type:char(64);not null;default:'';index" json:"-"`
	APIKeyPrefix     string     `gorm:"type:varchar(20);not null;default:''" json:"api_key_prefix"`
	APIKeyCreatedAt  *time.Time `json:"api_key_created_at"`
	APIKeyLastUsedAt *time.Time `json:"api_key_last_used_at"`
	StripeCustomerID string     `gorm:"type:varchar(100);not null;default:''" json:"-"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewUser builds a FREE user for the given external identity with a fresh API key.
// The raw key is returned so the caller can hand it out once.
func NewUser(externalID, email string, now time.Time) (*User, string, error) {
	u := &User{
		ExternalID:       strings.TrimSpace(externalID),
		Email:            strings.TrimSpace(email),
		Plan:             PLAN_FREE,
		QuotaPeriodStart: now.UTC(),
	}
	raw, err := u.IssueAPIKey(now)
	if err != nil {
		return nil, "", err
	}
	return u, raw, nil
}

// IsPro reports whether the user is on the paid plan.
func (u *User) IsPro() bool {
	return u != nil && strings.EqualFold(u.Plan, PLAN_PRO)
}

// HasDestination reports whether delivery has somewhere to go.
func (u *User) HasDestination() bool {
	return u != nil && u.DiscordID != nil && strings.TrimSpace(*u.DiscordID) != ""
}

// HasActiveAPIKey reports whether the user has an API key configured
func (u *User) HasActiveAPIKey() bool {
	return u != nil && u.APIKeyHash != ""
}

// IssueAPIKey generates a new API key, stores its hash and prefix on the struct and returns the raw secret.
// Callers must persist the struct after invoking this method.
func (u *User) IssueAPIKey(now time.Time) (string, error) {
	rawKey, prefix, hash, err := generateAPIKeyMaterial()
	if err != nil {
		return "", err
	}
	u.APIKeyHash = hash
	u.APIKeyPrefix = prefix
	u.APIKeyCreatedAt = &now
	u.APIKeyLastUsedAt = nil
	return rawKey, nil
}

// HashAPIKey returns the SHA-256 hash for the provided API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

func generateAPIKeyMaterial() (string, string, string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", "", err
	}
	rawKey := apiKeyPrefix + strings.ToLower(apiKeyEncoding.EncodeToString(b))
	if len(rawKey) < 12 {
		return "", "", "", fmt.Errorf("api key generation failed: key too short")
	}
	prefix := rawKey[:min(len(rawKey), 12)]
	return rawKey, prefix, HashAPIKey(rawKey), nil
}
