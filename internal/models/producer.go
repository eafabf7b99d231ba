package models

import "time"

// ProducerStatus is the activation state of a producer.
type ProducerStatus string

const (
	ProducerActive   ProducerStatus = "active"
	ProducerInactive ProducerStatus = "inactive"
)

// Producer is a registered farmer or cooperative member.
type Producer struct {
	ID           string         `json:"id"`
	Code         string         `json:"code,omitempty"`
	Name         string         `json:"name"`
	Phone        string         `json:"phone,omitempty"`
	LocationCode string         `json:"locationCode,omitempty"`
	Status       ProducerStatus `json:"status,omitempty"`
	CreatedAt    time.Time      `json:"createdAt,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt,omitempty"`

	// Pending marks a record with a queued, unconfirmed change.
	Pending bool `json:"pending,omitempty"`
}

// TableName returns the table name for Producer.
func (Producer) TableName() string {
	return "producers"
}
