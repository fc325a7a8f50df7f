package models

import (
	"time"

	"gorm.io/datatypes"
)

// DeliveryStatus is the outbound state of an event.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryFailed    DeliveryStatus = "FAILED"
)

// Event is a single ingested occurrence. Fields holds the ordered payload as a JSON
// array of {"key","value"} pairs and is never rewritten after insert.
type Event struct {
	ID               uint           `gorm:"primaryKey" json:"-"`
	PublicID         string         `gorm:"type:char(36);not null;uniqueIndex" json:"id"`
	UserID           uint           `gorm:"not null;index:idx_events_user_status,priority:1" json:"-"`
	CategoryID       uint           `gorm:"not null;index:idx_events_category_received,priority:1" json:"category_id"`
	Fields           datatypes.JSON `gorm:"not null" json:"fields"`
	ReceivedAt       time.Time      `gorm:"type:datetime(3);not null;index:idx_events_category_received,priority:2" json:"received_at"`
	DeliveryStatus   DeliveryStatus `gorm:"type:varchar(10);not null;default:'PENDING';index:idx_events_user_status,priority:2;index:idx_events_status_updated,priority:1" json:"delivery_status"`
	DeliveryAttempts int            `gorm:"not null;default:0" json:"delivery_attempts"`
	LastError        string         `gorm:"type:text" json:"last_error,omitempty"`
	DeliveredAt      *time.Time     `gorm:"type:datetime(3);default:null" json:"delivered_at,omitempty"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime;index:idx_events_status_updated,priority:2" json:"updated_at"`

	User     *User          `gorm:"foreignKey:UserID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	Category *EventCategory `gorm:"foreignKey:CategoryID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// IsTerminal reports whether the dispatcher is done with this event.
func (e *Event) IsTerminal() bool {
	return e.DeliveryStatus == DeliveryDelivered || e.DeliveryStatus == DeliveryFailed
}
