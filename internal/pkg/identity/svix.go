package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	svixSecretPrefix   = "whsec_"
	svixTimestampSkew  = 5 * time.Minute
	svixSignatureLabel = "v1,"
)

var (
	ErrMissingHeaders      = errors.New("missing svix headers")
	ErrSecretNotConfigured = errors.New("webhook secret is not configured")
	ErrInvalidSecret       = errors.New("webhook secret is not valid base64")
	ErrTimestampOutOfRange = errors.New("webhook timestamp outside tolerance")
	ErrInvalidSignature    = errors.New("no matching webhook signature")
)

// SvixHeaders are the delivery headers attached by the identity provider's webhook sender.
type SvixHeaders struct {
	ID        string
	Timestamp string
	Signature string
}

// VerifySvix checks an HMAC-SHA256 signature over "id.timestamp.body". The signature
// header may list several space separated "v1,<base64>" entries; any match is accepted.
func VerifySvix(secret string, h SvixHeaders, body []byte, now time.Time) error {
	if strings.TrimSpace(h.ID) == "" || strings.TrimSpace(h.Timestamp) == "" || strings.TrimSpace(h.Signature) == "" {
		return ErrMissingHeaders
	}
	key, err := decodeSvixSecret(secret)
	if err != nil {
		return err
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(h.Timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrTimestampOutOfRange, h.Timestamp)
	}
	sent := time.Unix(ts, 0)
	if now.Sub(sent) > svixTimestampSkew || sent.Sub(now) > svixTimestampSkew {
		return ErrTimestampOutOfRange
	}

	expected := signSvix(key, h.ID, h.Timestamp, body)
	for _, entry := range strings.Fields(h.Signature) {
		if !strings.HasPrefix(entry, svixSignatureLabel) {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(entry, svixSignatureLabel))
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// SignSvix produces a header value for body; used by tests and local tooling.
func SignSvix(secret, id, timestamp string, body []byte) (string, error) {
	key, err := decodeSvixSecret(secret)
	if err != nil {
		return "", err
	}
	return svixSignatureLabel + base64.StdEncoding.EncodeToString(signSvix(key, id, timestamp, body)), nil
}

func signSvix(key []byte, id, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id))
	mac.Write([]byte{'.'})
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return mac.Sum(nil)
}

func decodeSvixSecret(secret string) ([]byte, error) {
	s := strings.TrimSpace(secret)
	if s == "" {
		return nil, ErrSecretNotConfigured
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, svixSecretPrefix))
	if err != nil || len(key) == 0 {
		return nil, ErrInvalidSecret
	}
	return key, nil
}
