package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/procmon/procmon/app/models"
)

func TestUserUpsertIsKeyedByExternalID(t *testing.T) {
	repos := NewRepositories(openTestDB(t))
	ctx := context.Background()
	u := createTestUser(t, repos)

	replay := &models.User{ExternalID: u.ExternalID, Email: "new@example.com", Plan: models.PLAN_FREE, QuotaPeriodStart: time.Now()}
	created, err := repos.User.Upsert(ctx, replay)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, u.ID, replay.ID)
	assert.Equal(t, "new@example.com", replay.Email)
	assert.Equal(t, u.APIKeyHash, replay.APIKeyHash)
}

func TestCategoryCreateIfNotExistsConverges(t *testing.T) {
	repos := NewRepositories(openTestDB(t))
	ctx := context.Background()
	u := createTestUser(t, repos)

	var wg sync.WaitGroup
	var createdCount int32
	ids := make([]uint, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &models.EventCategory{UserID: u.ID, Name: "sale", Emoji: models.DefaultCategoryEmoji}
			created, err := repos.Category.CreateIfNotExists(ctx, c)
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			if created {
				atomic.AddInt32(&createdCount, 1)
			}
			ids[i] = c.ID
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), createdCount)
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	count, err := repos.Category.CountByUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCategoryRecordEventCapsFields(t *testing.T) {
	repos := NewRepositories(openTestDB(t))
	ctx := context.Background()
	u := createTestUser(t, repos)

	c := &models.EventCategory{UserID: u.ID, Name: "signup"}
	_, err := repos.Category.CreateIfNotExists(ctx, c)
	require.NoError(t, err)

	t1 := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repos.Category.RecordEvent(ctx, c.ID, "2026-03", t1, []string{"name", "email"}, 3))
	require.NoError(t, repos.Category.RecordEvent(ctx, c.ID, "2026-03", t1.Add(-time.Hour), []string{"email", "plan", "utm", "ref"}, 3))

	got, err := repos.Category.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.EventsCount)
	assert.Equal(t, 3, got.UniqueFieldCount)
	require.NotNil(t, got.LastPingAt)
	assert.True(t, got.LastPingAt.Equal(t1))

	// A new period restarts the running count.
	require.NoError(t, repos.Category.RecordEvent(ctx, c.ID, "2026-04", t1.AddDate(0, 1, 0), nil, 3))
	got, err = repos.Category.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.EventsCountFor("2026-04"))
}

func TestQuotaReserveNeverExceedsLimit(t *testing.T) {
	repos := NewRepositories(openTestDB(t))
	ctx := context.Background()
	u := createTestUser(t, repos)
	period := "2026-03"

	require.NoError(t, repos.Quota.EnsurePeriod(ctx, u.ID, period))

	var wg sync.WaitGroup
	var allowed int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repos.Quota.Reserve(ctx, u.ID, period, 1, 0, 10, 3)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), allowed)
	l, err := repos.Quota.Get(ctx, u.ID, period)
	require.NoError(t, err)
	assert.Equal(t, 10, l.EventsUsed)

	require.NoError(t, repos.Quota.Release(ctx, u.ID, period, 20, 5))
	l, err = repos.Quota.Get(ctx, u.ID, period)
	require.NoError(t, err)
	assert.Equal(t, 0, l.EventsUsed)
	assert.Equal(t, 0, l.CategoriesUsed)
}

func TestEventDeliveryTransitionsOnce(t *testing.T) {
	repos := NewRepositories(openTestDB(t))
	ctx := context.Background()
	u := createTestUser(t, repos)

	c := &models.EventCategory{UserID: u.ID, Name: "payment"}
	_, err := repos.Category.CreateIfNotExists(ctx, c)
	require.NoError(t, err)

	e := &models.Event{
		PublicID:       uuid.NewString(),
		UserID:         u.ID,
		CategoryID:     c.ID,
		Fields:         []byte(`[{"key":"amount","value":49}]`),
		ReceivedAt:     time.Now().UTC(),
		DeliveryStatus: models.DeliveryPending,
	}
	require.NoError(t, repos.Event.Create(ctx, e))
	require.NoError(t, repos.Event.RecordAttempt(ctx, e.ID, "503"))

	ok, err := repos.Event.MarkDelivered(ctx, e.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repos.Event.MarkDelivered(ctx, e.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repos.Event.MarkFailed(ctx, e.ID, "late failure")
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := repos.Event.GetByPublicID(ctx, e.PublicID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, stored.DeliveryStatus)
	assert.Equal(t, 1, stored.DeliveryAttempts)
}

func TestDeleteCascades(t *testing.T) {
	repos := NewRepositories(openTestDB(t))
	ctx := context.Background()
	u := createTestUser(t, repos)

	for i := 0; i < 2; i++ {
		c := &models.EventCategory{UserID: u.ID, Name: fmt.Sprintf("cat-%d", i)}
		_, err := repos.Category.CreateIfNotExists(ctx, c)
		require.NoError(t, err)
		require.NoError(t, repos.Category.RecordEvent(ctx, c.ID, "2026-03", time.Now(), []string{"a"}, 500))
	}

	require.NoError(t, repos.Category.DeleteByName(ctx, u.ID, "cat-0"))
	err := repos.Category.DeleteByName(ctx, u.ID, "cat-0")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	require.NoError(t, repos.User.DeleteByExternalID(ctx, u.ExternalID))
	err = repos.User.DeleteByExternalID(ctx, u.ExternalID)
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	count, err := repos.Category.CountByUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestForeignKeysRejectOrphans(t *testing.T) {
	repos := NewRepositories(openTestDB(t))
	ctx := context.Background()
	u := createTestUser(t, repos)

	c := &models.EventCategory{UserID: u.ID, Name: "orphan"}
	_, err := repos.Category.CreateIfNotExists(ctx, c)
	require.NoError(t, err)
	require.NoError(t, repos.User.DeleteByExternalID(ctx, u.ExternalID))

	err = repos.Quota.EnsurePeriod(ctx, u.ID, "2026-03")
	assert.ErrorIs(t, err, gorm.ErrForeignKeyViolated)

	_, err = repos.Category.CreateIfNotExists(ctx, &models.EventCategory{UserID: u.ID, Name: "late"})
	assert.ErrorIs(t, err, gorm.ErrForeignKeyViolated)

	err = repos.Event.Create(ctx, &models.Event{
		PublicID: uuid.NewString(), UserID: u.ID, CategoryID: c.ID, Fields: []byte(`[]`),
		ReceivedAt: time.Now().UTC(), DeliveryStatus: models.DeliveryPending,
	})
	assert.ErrorIs(t, err, gorm.ErrForeignKeyViolated)
}
