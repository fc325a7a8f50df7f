package identity

import (
	"encoding/base64"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = "whsec_" + base64.StdEncoding.EncodeToString([]byte("procmon-test-signing-key"))

func signedHeaders(t *testing.T, id string, at time.Time, body []byte) SvixHeaders {
	t.Helper()
	ts := strconv.FormatInt(at.Unix(), 10)
	sig, err := SignSvix(testSecret, id, ts, body)
	require.NoError(t, err)
	return SvixHeaders{ID: id, Timestamp: ts, Signature: sig}
}

func TestVerifySvix(t *testing.T) {
	now := time.Unix(1760000000, 0)
	body := []byte(`{"type":"user.created"}`)
	h := signedHeaders(t, "msg_1", now, body)

	assert.NoError(t, VerifySvix(testSecret, h, body, now))
	assert.NoError(t, VerifySvix(testSecret, h, body, now.Add(4*time.Minute)))

	// Rotated secrets send several signatures.
	multi := h
	multi.Signature = "v1,Zm9vYmFy v2,ignored " + h.Signature
	assert.NoError(t, VerifySvix(testSecret, multi, body, now))
}

func TestVerifySvixRejects(t *testing.T) {
	now := time.Unix(1760000000, 0)
	body := []byte(`{"type":"user.created"}`)
	good := signedHeaders(t, "msg_1", now, body)

	tests := []struct {
		name    string
		secret  string
		headers SvixHeaders
		body    []byte
		now     time.Time
		err     error
	}{
		{"missing id", testSecret, SvixHeaders{Timestamp: good.Timestamp, Signature: good.Signature}, body, now, ErrMissingHeaders},
		{"missing signature", testSecret, SvixHeaders{ID: good.ID, Timestamp: good.Timestamp}, body, now, ErrMissingHeaders},
		{"tampered body", testSecret, good, []byte(`{"type":"user.deleted"}`), now, ErrInvalidSignature},
		{"other id", testSecret, SvixHeaders{ID: "msg_2", Timestamp: good.Timestamp, Signature: good.Signature}, body, now, ErrInvalidSignature},
		{"too old", testSecret, good, body, now.Add(6 * time.Minute), ErrTimestampOutOfRange},
		{"from the future", testSecret, good, body, now.Add(-6 * time.Minute), ErrTimestampOutOfRange},
		{"bad timestamp", testSecret, SvixHeaders{ID: good.ID, Timestamp: "yesterday", Signature: good.Signature}, body, now, ErrTimestampOutOfRange},
		{"wrong secret", "whsec_" + base64.StdEncoding.EncodeToString([]byte("other")), good, body, now, ErrInvalidSignature},
		{"no secret", "", good, body, now, ErrSecretNotConfigured},
		{"garbage secret", "whsec_%%%", good, body, now, ErrInvalidSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, VerifySvix(tt.secret, tt.headers, tt.body, tt.now), tt.err)
		})
	}
}
