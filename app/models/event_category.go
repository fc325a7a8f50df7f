package models

import "time"

// MaxTrackedFieldNames caps the distinct field names remembered per category.
// Past the cap UniqueFieldCount stops growing; ingestion is unaffected.
const MaxTrackedFieldNames = 500

const DefaultCategoryEmoji = "📂"

// EventCategory groups a user's events under a name.
type EventCategory struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	UserID           uint       `gorm:"not null;uniqueIndex:ux_event_categories_user_name,priority:1" json:"user_id"`
	Name             string     `gorm:"type:varchar(32);not null;uniqueIndex:ux_event_categories_user_name,priority:2" json:"name"`
	Color            uint32     `gorm:"not null;default:0" json:"color"`
	Emoji            string     `gorm:"type:varchar(16);not null;default:''" json:"emoji"`
	LastPingAt       *time.Time `gorm:"type:datetime(3);default:null" json:"last_ping"`
	EventsCount      int64      `gorm:"not null;default:0" json:"events_count"`
	EventsPeriod     string     `gorm:"type:char(7);not null;default:''" json:"-"`
	UniqueFieldCount int        `gorm:"not null;default:0" json:"unique_field_count"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime;index" json:"updated_at"`

	User *User `gorm:"foreignKey:UserID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// CategoryField is one distinct top-level field name seen in a category.
type CategoryField struct {
	ID         uint   `gorm:"primaryKey"`
	CategoryID uint   `gorm:"not null;uniqueIndex:ux_category_fields_category_name,priority:1"`
	Name       string `gorm:"type:varchar(64);not null;uniqueIndex:ux_category_fields_category_name,priority:2"`

	Category *EventCategory `gorm:"foreignKey:CategoryID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// EventsCountFor returns the running event count if it belongs to period, otherwise 0.
func (c *EventCategory) EventsCountFor(period string) int64 {
	if c == nil || c.EventsPeriod != period {
		return 0
	}
	return c.EventsCount
}
