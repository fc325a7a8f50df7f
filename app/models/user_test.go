package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUserIssuesAPIKey(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	u, key, err := NewUser(" user_2abc ", "m.ortiz19@gmail.com", now)
	require.NoError(t, err)
	require.NotEmpty(t, key)

	assert.Equal(t, "user_2abc", u.ExternalID)
	assert.Equal(t, PLAN_FREE, u.Plan)
	assert.True(t, strings.HasPrefix(key, apiKeyPrefix))
	assert.Equal(t, HashAPIKey(key), u.APIKeyHash)
	assert.True(t, strings.HasPrefix(key, u.APIKeyPrefix))
	assert.NotNil(t, u.APIKeyCreatedAt)
	assert.True(t, u.HasActiveAPIKey())
	assert.False(t, u.HasDestination())
}

func TestUserIssueAPIKeyRotates(t *testing.T) {
	u := &User{ID: 7}
	first, err := u.IssueAPIKey(time.Now())
	require.NoError(t, err)
	firstHash := u.APIKeyHash

	second, err := u.IssueAPIKey(time.Now())
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.NotEqual(t, firstHash, u.APIKeyHash)
	assert.Equal(t, HashAPIKey(second), u.APIKeyHash)
}

func TestHashAPIKeyTrimsWhitespace(t *testing.T) {
	assert.Equal(t, HashAPIKey("pm_abc"), HashAPIKey("  pm_abc\n"))
}

func TestUserHasDestination(t *testing.T) {
	blank := "  "
	id := "123456789012345678"

	assert.False(t, (&User{}).HasDestination())
	assert.False(t, (&User{DiscordID: &blank}).HasDestination())
	assert.True(t, (&User{DiscordID: &id}).HasDestination())
}

func TestUserIsPro(t *testing.T) {
	assert.False(t, (&User{Plan: PLAN_FREE}).IsPro())
	assert.True(t, (&User{Plan: "pro"}).IsPro())
	var nilUser *User
	assert.False(t, nilUser.IsPro())
}

func TestPeriodHelpers(t *testing.T) {
	ts := time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC)

	assert.Equal(t, "2026-12", PeriodOf(ts))
	assert.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), PeriodStart(ts))
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), PeriodResetAt(ts))

	// Non-UTC input is normalised before bucketing.
	berlin := time.FixedZone("CET", 3600)
	local := time.Date(2027, 1, 1, 0, 30, 0, 0, berlin)
	assert.Equal(t, "2026-12", PeriodOf(local))
}

func TestEventCategoryEventsCountFor(t *testing.T) {
	c := &EventCategory{EventsCount: 12, EventsPeriod: "2026-03"}
	assert.Equal(t, int64(12), c.EventsCountFor("2026-03"))
	assert.Equal(t, int64(0), c.EventsCountFor("2026-04"))
}

func TestEventIsTerminal(t *testing.T) {
	assert.False(t, (&Event{DeliveryStatus: DeliveryPending}).IsTerminal())
	assert.True(t, (&Event{DeliveryStatus: DeliveryDelivered}).IsTerminal())
	assert.True(t, (&Event{DeliveryStatus: DeliveryFailed}).IsTerminal())
}
