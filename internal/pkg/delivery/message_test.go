package delivery

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procmon/procmon/app/models"
	"github.com/procmon/procmon/internal/pkg/payload"
)

func TestBuildMessage(t *testing.T) {
	received := time.Date(2026, 6, 1, 8, 30, 0, 0, time.FixedZone("CEST", 7200))
	category := &models.EventCategory{Name: "signup", Color: 0x57F287, Emoji: "🎉"}
	fields := payload.Fields{
		{Key: "plan", Value: payload.String("pro")},
		{Key: "seats", Value: payload.Int(3)},
		{Key: "trial", Value: payload.Bool(false)},
		{Key: "referrer", Value: payload.Null()},
		{Key: "note", Value: payload.String("  ")},
	}

	msg := BuildMessage(category, fields, received)
	require.Len(t, msg.Embeds, 1)
	embed := msg.Embeds[0]

	assert.Equal(t, "🎉 Signup event", embed.Title)
	assert.Equal(t, uint32(0x57F287), embed.Color)
	assert.Equal(t, "2026-06-01T06:30:00Z", embed.Timestamp)
	assert.Equal(t, "Procmon", embed.Footer.Text)
	assert.Empty(t, embed.Description)

	require.Len(t, embed.Fields, 5)
	assert.Equal(t, EmbedField{Name: "plan", Value: "pro", Inline: true}, embed.Fields[0])
	assert.Equal(t, "3", embed.Fields[1].Value)
	assert.Equal(t, "false", embed.Fields[2].Value)
	assert.Equal(t, "null", embed.Fields[3].Value)
	assert.Equal(t, "-", embed.Fields[4].Value)
}

func TestBuildMessageDefaultsEmoji(t *testing.T) {
	msg := BuildMessage(&models.EventCategory{Name: "cron"}, nil, time.Now())
	assert.Equal(t, models.DefaultCategoryEmoji+" Cron event", msg.Embeds[0].Title)
	assert.Empty(t, msg.Embeds[0].Fields)
}

func TestBuildMessageCapsFields(t *testing.T) {
	fields := make(payload.Fields, 0, 30)
	for i := 0; i < 30; i++ {
		fields = append(fields, payload.Field{Key: fmt.Sprintf("k%02d", i), Value: payload.Int(int64(i))})
	}

	embed := BuildMessage(&models.EventCategory{Name: "bulk"}, fields, time.Now()).Embeds[0]
	assert.Len(t, embed.Fields, maxEmbedFields)
	assert.Equal(t, "k24", embed.Fields[24].Name)
	assert.Equal(t, "+5 more fields not shown", embed.Description)
}

func TestBuildMessageStaysWithinEmbedTotal(t *testing.T) {
	category := &models.EventCategory{Name: strings.Repeat("x", 32), Emoji: "🧾"}

	tenLong := make(payload.Fields, 0, 10)
	for i := 0; i < 10; i++ {
		tenLong = append(tenLong, payload.Field{Key: fmt.Sprintf("f%d", i), Value: payload.String(strings.Repeat("v", 1000))})
	}
	require.NoError(t, tenLong.Validate())

	embed := BuildMessage(category, tenLong, time.Now()).Embeds[0]
	assert.LessOrEqual(t, embedSize(embed), maxEmbedTotal)
	assert.Less(t, len(embed.Fields), 10)
	assert.Equal(t, fmt.Sprintf("+%d more fields not shown", 10-len(embed.Fields)), embed.Description)
	assert.Equal(t, strings.Repeat("v", 1000), embed.Fields[0].Value)

	largest := make(payload.Fields, 0, payload.MaxKeys)
	for i := 0; i < payload.MaxKeys; i++ {
		key := fmt.Sprintf("%02d", i) + strings.Repeat("k", payload.MaxKeyBytes-2)
		largest = append(largest, payload.Field{Key: key, Value: payload.String(strings.Repeat("ü", payload.MaxStringBytes/2))})
	}
	require.NoError(t, largest.Validate())

	embed = BuildMessage(category, largest, time.Now()).Embeds[0]
	assert.LessOrEqual(t, embedSize(embed), maxEmbedTotal)
	assert.NotEmpty(t, embed.Fields)
	assert.Equal(t, fmt.Sprintf("+%d more fields not shown", payload.MaxKeys-len(embed.Fields)), embed.Description)
	for _, f := range embed.Fields {
		assert.GreaterOrEqual(t, len(f.Value), minEmbedValue-3)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	long := strings.Repeat("ä", 600)
	out := truncate(long, maxEmbedFieldValue)

	assert.LessOrEqual(t, len(out), maxEmbedFieldValue)
	assert.True(t, strings.HasSuffix(out, "..."))
	assert.True(t, strings.HasPrefix(long, strings.TrimSuffix(out, "...")))
	assert.Equal(t, "short", truncate("short", 10))
}
