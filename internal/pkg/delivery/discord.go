package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultDiscordAPIBaseURL = "https://discord.com/api/v10"

// Embed limits enforced by Discord.
const (
	maxEmbedFields     = 25
	maxEmbedFieldName  = 256
	maxEmbedFieldValue = 1024
	maxEmbedTotal      = 6000
)

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type EmbedFooter struct {
	Text string `json:"text"`
}

type Embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       uint32       `json:"color"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
}

type Message struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds"`
}

// DiscordClient sends direct messages through the bot API.
type DiscordClient struct {
	APIBaseURL string
	BotToken   string
	HTTPClient *http.Client

	channels sync.Map // recipient id -> DM channel id
}

func NewDiscordClient(apiBaseURL, botToken string) *DiscordClient {
	if strings.TrimSpace(apiBaseURL) == "" {
		apiBaseURL = defaultDiscordAPIBaseURL
	}
	return &DiscordClient{
		APIBaseURL: strings.TrimRight(strings.TrimSpace(apiBaseURL), "/"),
		BotToken:   strings.TrimSpace(botToken),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *DiscordClient) Configured() bool {
	return c != nil && c.BotToken != ""
}

// SendDM opens (or reuses) the DM channel with recipientID and posts msg to it.
// Errors are always *Error.
func (c *DiscordClient) SendDM(ctx context.Context, recipientID string, msg Message) error {
	if !c.Configured() {
		return permanent(ErrNotConfigured)
	}
	channelID, err := c.dmChannel(ctx, recipientID)
	if err != nil {
		return err
	}
	if err := c.do(ctx, "/channels/"+channelID+"/messages", msg, nil); err != nil {
		var de *Error
		if errors.As(err, &de) && de.StatusCode == http.StatusNotFound {
			// Stale cached channel; next attempt will reopen it.
			c.channels.Delete(recipientID)
			de.Permanent = false
		}
		return err
	}
	return nil
}

func (c *DiscordClient) dmChannel(ctx context.Context, recipientID string) (string, error) {
	if id, ok := c.channels.Load(recipientID); ok {
		return id.(string), nil
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "/users/@me/channels", map[string]string{"recipient_id": recipientID}, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", transient(fmt.Errorf("discord returned no channel id for recipient %s", recipientID))
	}
	c.channels.Store(recipientID, out.ID)
	return out.ID, nil
}

func (c *DiscordClient) do(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIBaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return permanent(err)
	}
	req.Header.Set("Authorization", "Bot "+c.BotToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "DiscordBot (https://procmon.dev, 1.0)")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return transient(err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		de := classifyStatus(resp.StatusCode, fmt.Errorf("discord %s: %s", path, strings.TrimSpace(string(data))))
		de.Retry = parseRetryAfter(resp.Header.Get("Retry-After"))
		return de
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return transient(fmt.Errorf("decode discord response: %w", err))
		}
	}
	return nil
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
