package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordClientSendDM(t *testing.T) {
	var channelOpens, messages atomic.Int32
	var gotAuth, gotRecipient string
	var gotMessage Message

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/users/@me/channels":
			channelOpens.Add(1)
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			gotRecipient = body["recipient_id"]
			_, _ = w.Write([]byte(`{"id":"chan-9"}`))
		case "/channels/chan-9/messages":
			messages.Add(1)
			_ = json.NewDecoder(r.Body).Decode(&gotMessage)
			_, _ = w.Write([]byte(`{"id":"msg-1"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewDiscordClient(srv.URL+"/", " token-1 ")
	require.True(t, c.Configured())

	msg := Message{Embeds: []Embed{{Title: "hello"}}}
	require.NoError(t, c.SendDM(context.Background(), "42", msg))
	require.NoError(t, c.SendDM(context.Background(), "42", msg))

	assert.Equal(t, "Bot token-1", gotAuth)
	assert.Equal(t, "42", gotRecipient)
	assert.Equal(t, int32(1), channelOpens.Load(), "DM channel is cached per recipient")
	assert.Equal(t, int32(2), messages.Load())
	assert.Equal(t, "hello", gotMessage.Embeds[0].Title)
}

func TestDiscordClientClassifiesFailures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		permanent  bool
		wait       time.Duration
	}{
		{"rate limited", http.StatusTooManyRequests, "1.5", false, 1500 * time.Millisecond},
		{"server error", http.StatusServiceUnavailable, "", false, 0},
		{"forbidden", http.StatusForbidden, "", true, 0},
		{"bad request", http.StatusBadRequest, "", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/users/@me/channels" {
					_, _ = w.Write([]byte(`{"id":"c"}`))
					return
				}
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewDiscordClient(srv.URL, "t").SendDM(context.Background(), "1", Message{})
			var de *Error
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.status, de.StatusCode)
			assert.Equal(t, tt.permanent, de.IsPermanent())
			assert.Equal(t, tt.wait, de.RetryAfter())
		})
	}
}

func TestDiscordClientReopensChannelAfterNotFound(t *testing.T) {
	var opens atomic.Int32
	var failed atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/users/@me/channels" {
			opens.Add(1)
			_, _ = w.Write([]byte(`{"id":"c"}`))
			return
		}
		if failed.CompareAndSwap(false, true) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewDiscordClient(srv.URL, "t")
	err := c.SendDM(context.Background(), "1", Message{})
	var de *Error
	require.True(t, errors.As(err, &de))
	assert.False(t, de.IsPermanent())

	require.NoError(t, c.SendDM(context.Background(), "1", Message{}))
	assert.Equal(t, int32(2), opens.Load())
}

func TestDiscordClientNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewDiscordClient(url, "t").SendDM(context.Background(), "1", Message{})
	var de *Error
	require.True(t, errors.As(err, &de))
	assert.False(t, de.IsPermanent())
}

func TestDiscordClientUnconfigured(t *testing.T) {
	c := NewDiscordClient("", "")
	assert.False(t, c.Configured())
	assert.Equal(t, defaultDiscordAPIBaseURL, c.APIBaseURL)

	err := c.SendDM(context.Background(), "1", Message{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
