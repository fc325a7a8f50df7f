package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const stripeSignatureTolerance = 5 * time.Minute

var ErrInvalidStripeSignature = errors.New("invalid stripe signature")

// VerifyStripeWebhookSignature checks a "t=<unix>,v1=<hex>[,v1=...]" header against
// HMAC-SHA256 of "<t>.<payload>".
func VerifyStripeWebhookSignature(payload []byte, signatureHeader, webhookSecret string, now time.Time) error {
	secret := strings.TrimSpace(webhookSecret)
	if secret == "" {
		return errors.New("STRIPE_WEBHOOK_SECRET is not configured")
	}

	var timestamp string
	var signatures [][]byte
	for _, part := range strings.Split(signatureHeader, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v1":
			if sig, err := hex.DecodeString(v); err == nil {
				signatures = append(signatures, sig)
			}
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return ErrInvalidStripeSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidStripeSignature
	}
	if d := now.Sub(time.Unix(ts, 0)); d > stripeSignatureTolerance || d < -stripeSignatureTolerance {
		return ErrInvalidStripeSignature
	}

	expected := signStripe(payload, timestamp, secret)
	for _, sig := range signatures {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return ErrInvalidStripeSignature
}

// SignStripePayload builds a Stripe-Signature header value.
func SignStripePayload(payload []byte, webhookSecret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(signStripe(payload, ts, strings.TrimSpace(webhookSecret)))
}

func signStripe(payload []byte, timestamp, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return mac.Sum(nil)
}
