package delivery

import (
	"fmt"
	"strings"
	"time"

	"github.com/procmon/procmon/app/models"
	"github.com/procmon/procmon/internal/pkg/payload"
)

// BuildMessage renders an event as a single Discord embed. Fields keep payload order.
// Fields beyond Discord's count or total size limits are summarised in the description.
// Sizes are counted in bytes, which never undercounts Discord's character limit.
func BuildMessage(category *models.EventCategory, fields payload.Fields, receivedAt time.Time) Message {
	emoji := category.Emoji
	if emoji == "" {
		emoji = models.DefaultCategoryEmoji
	}

	embed := Embed{
		Title:     fmt.Sprintf("%s %s event", emoji, titleCase(category.Name)),
		Color:     category.Color & 0xFFFFFF,
		Timestamp: receivedAt.UTC().Format(time.RFC3339),
		Footer:    &EmbedFooter{Text: "Procmon"},
	}

	remaining := maxEmbedTotal - embedSummaryReserve - len(embed.Title) - len(embed.Footer.Text)
	for _, f := range fields {
		if len(embed.Fields) == maxEmbedFields {
			break
		}
		name := truncate(f.Key, maxEmbedFieldName)
		value := truncate(displayValue(f.Value), maxEmbedFieldValue)
		if len(name)+len(value) > remaining {
			room := remaining - len(name)
			if room < minEmbedValue {
				break
			}
			value = truncate(value, room)
		}
		remaining -= len(name) + len(value)
		embed.Fields = append(embed.Fields, EmbedField{Name: name, Value: value, Inline: true})
	}
	if hidden := len(fields) - len(embed.Fields); hidden > 0 {
		embed.Description = fmt.Sprintf("+%d more fields not shown", hidden)
	}
	return Message{Embeds: []Embed{embed}}
}

const (
	// Room kept for the "+N more fields not shown" description.
	embedSummaryReserve = 64
	// A field is dropped rather than cut below this many bytes.
	minEmbedValue = 32
)

// embedSize is the length Discord counts against the embed total.
func embedSize(e Embed) int {
	n := len(e.Title) + len(e.Description)
	if e.Footer != nil {
		n += len(e.Footer.Text)
	}
	for _, f := range e.Fields {
		n += len(f.Name) + len(f.Value)
	}
	return n
}

func titleCase(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// Discord rejects empty field values.
func displayValue(v payload.Value) string {
	s := v.Text()
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
