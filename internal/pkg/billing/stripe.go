package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultStripeAPIBaseURL = "https://api.stripe.com/v1"

var ErrStripeNotConfigured = errors.New("STRIPE_SECRET_KEY/STRIPE_PRICE_ID are not configured")

type StripeClient struct {
	SecretKey  string
	PriceID    string
	APIBaseURL string
	SuccessURL string
	CancelURL  string

	HTTPClient *http.Client
}

type CheckoutSession struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Customer string `json:"customer"`
}

// CheckoutRequest identifies who is upgrading. Customer is reused when the user already has one.
type CheckoutRequest struct {
	UserID   uint
	Email    string
	Customer string
}

func NewStripeClient(secretKey, priceID, apiBaseURL, publicDomain string) *StripeClient {
	base := strings.TrimRight(strings.TrimSpace(apiBaseURL), "/")
	if base == "" {
		base = defaultStripeAPIBaseURL
	}
	domain := strings.TrimRight(strings.TrimSpace(publicDomain), "/")
	return &StripeClient{
		SecretKey:  strings.TrimSpace(secretKey),
		PriceID:    strings.TrimSpace(priceID),
		APIBaseURL: base,
		SuccessURL: domain + "/dashboard?success=true",
		CancelURL:  domain + "/pricing",
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *StripeClient) Configured() bool {
	return c != nil && c.SecretKey != "" && c.PriceID != ""
}

// CreateCheckoutSession starts a subscription checkout for the PRO price.
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, in CheckoutRequest) (*CheckoutSession, error) {
	if !c.Configured() {
		return nil, ErrStripeNotConfigured
	}
	if in.UserID == 0 {
		return nil, errors.New("user id is required")
	}
	userID := strconv.FormatUint(uint64(in.UserID), 10)

	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("line_items[0][price]", c.PriceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", c.SuccessURL)
	form.Set("cancel_url", c.CancelURL)
	form.Set("client_reference_id", userID)
	form.Set("metadata[userId]", userID)
	if in.Customer != "" {
		form.Set("customer", in.Customer)
	} else if in.Email != "" {
		form.Set("customer_email", in.Email)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIBaseURL+"/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("stripe checkout session failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var out CheckoutSession
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.URL) == "" {
		return nil, errors.New("stripe checkout session returned empty url")
	}
	return &out, nil
}
