package billing

import "encoding/json"

const EventCheckoutSessionCompleted = "checkout.session.completed"

// StripeEvent is the envelope of a Stripe webhook.
type StripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type StripeCheckoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	PaymentStatus     string            `json:"payment_status"`
	Metadata          map[string]string `json:"metadata"`
}

// WebhookOutcome describes what a Stripe delivery did.
type WebhookOutcome struct {
	EventType string `json:"type"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
	UserID    uint   `json:"user_id,omitempty"`
}
