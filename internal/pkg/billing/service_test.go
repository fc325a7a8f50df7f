package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procmon/procmon/app/models"
	"github.com/procmon/procmon/app/repository"
)

const testWebhookSecret = "whsec_test"

var testNow = time.Unix(1760000000, 0)

type fakeCheckout struct {
	got     CheckoutRequest
	session *CheckoutSession
	err     error
}

func (f *fakeCheckout) CreateCheckoutSession(_ context.Context, in CheckoutRequest) (*CheckoutSession, error) {
	f.got = in
	return f.session, f.err
}

func newBillingFixture(t *testing.T) (*Service, *repository.Repositories, *models.User, *fakeCheckout) {
	t.Helper()
	repos := repository.NewMemoryRepositories()
	u, _, err := models.NewUser("user_bill", "bill@example.com", testNow)
	require.NoError(t, err)
	_, err = repos.User.Upsert(context.Background(), u)
	require.NoError(t, err)

	checkout := &fakeCheckout{session: &CheckoutSession{ID: "cs_1", URL: "https://checkout.example/cs_1", Customer: "cus_1"}}
	svc := NewService(repos.User, repos.WebhookEvent, checkout, testWebhookSecret).WithClock(func() time.Time { return testNow })
	return svc, repos, u, checkout
}

func stripeEvent(t *testing.T, id, typ string, object map[string]interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":   id,
		"type": typ,
		"data": map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return body
}

func TestCreateCheckoutSessionStoresCustomer(t *testing.T) {
	svc, repos, u, checkout := newBillingFixture(t)

	session, err := svc.CreateCheckoutSession(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.example/cs_1", session.URL)
	assert.Equal(t, u.ID, checkout.got.UserID)
	assert.Equal(t, "bill@example.com", checkout.got.Email)

	stored, err := repos.User.GetByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, "cus_1", stored.StripeCustomerID)
}

func TestCreateCheckoutSessionRejectsProUser(t *testing.T) {
	svc, _, u, _ := newBillingFixture(t)
	u.Plan = models.PLAN_PRO

	_, err := svc.CreateCheckoutSession(context.Background(), u)
	assert.ErrorIs(t, err, ErrAlreadyPro)
}

func TestHandleWebhookActivatesPro(t *testing.T) {
	svc, repos, u, _ := newBillingFixture(t)
	ctx := context.Background()

	body := stripeEvent(t, "evt_1", EventCheckoutSessionCompleted, map[string]interface{}{
		"id":                  "cs_1",
		"client_reference_id": fmt.Sprint(u.ID),
		"customer":            "cus_77",
		"payment_status":      "paid",
	})

	out, err := svc.HandleWebhook(ctx, SignStripePayload(body, testWebhookSecret, testNow), body)
	require.NoError(t, err)
	assert.Equal(t, u.ID, out.UserID)

	stored, err := repos.User.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PLAN_PRO, stored.Plan)
	assert.Equal(t, 10000, stored.QuotaLimit)
	assert.Equal(t, "cus_77", stored.StripeCustomerID)

	out, err = svc.HandleWebhook(ctx, SignStripePayload(body, testWebhookSecret, testNow), body)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
}

func TestHandleWebhookUsesMetadataReference(t *testing.T) {
	svc, repos, u, _ := newBillingFixture(t)
	body := stripeEvent(t, "evt_2", EventCheckoutSessionCompleted, map[string]interface{}{
		"id":       "cs_2",
		"metadata": map[string]string{"userId": fmt.Sprint(u.ID)},
	})

	_, err := svc.HandleWebhook(context.Background(), SignStripePayload(body, testWebhookSecret, testNow), body)
	require.NoError(t, err)

	stored, err := repos.User.GetByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsPro())
}

func TestHandleWebhookIgnoresOtherEventsAndUnknownUsers(t *testing.T) {
	svc, _, _, _ := newBillingFixture(t)
	ctx := context.Background()

	other := stripeEvent(t, "evt_3", "invoice.paid", map[string]interface{}{"id": "in_1"})
	out, err := svc.HandleWebhook(ctx, SignStripePayload(other, testWebhookSecret, testNow), other)
	require.NoError(t, err)
	assert.True(t, out.Ignored)

	unknown := stripeEvent(t, "evt_4", EventCheckoutSessionCompleted, map[string]interface{}{"id": "cs_4", "client_reference_id": "999"})
	out, err = svc.HandleWebhook(ctx, SignStripePayload(unknown, testWebhookSecret, testNow), unknown)
	require.NoError(t, err)
	assert.True(t, out.Ignored)
}

func TestHandleWebhookRejects(t *testing.T) {
	svc, repos, u, _ := newBillingFixture(t)
	ctx := context.Background()

	body := stripeEvent(t, "evt_5", EventCheckoutSessionCompleted, map[string]interface{}{"id": "cs_5", "client_reference_id": fmt.Sprint(u.ID)})
	_, err := svc.HandleWebhook(ctx, SignStripePayload(body, "whsec_wrong", testNow), body)
	assert.ErrorIs(t, err, ErrInvalidStripeSignature)

	stored, err := repos.User.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsPro())

	noRef := stripeEvent(t, "evt_6", EventCheckoutSessionCompleted, map[string]interface{}{"id": "cs_6"})
	_, err = svc.HandleWebhook(ctx, SignStripePayload(noRef, testWebhookSecret, testNow), noRef)
	assert.True(t, errors.Is(err, ErrInvalidPayload))
}
