package models

import (
	"time"

	"github.com/pitabwire/frame/data"
)

// SessionStatus tracks where a client session sits in its expiry cycle.
// Transitions are monotonic: ACTIVE -> WARNING -> CLOSED. A fresh
// authentication creates a new ACTIVE record rather than reviving a closed one.
type SessionStatus string

const (
	SessionStatusActive  SessionStatus = "ACTIVE"
	SessionStatusWarning SessionStatus = "WARNING"
	SessionStatusClosed  SessionStatus = "CLOSED"
)

// ClientSession records an authenticated client and its credential expiry.
// Written by the auth gate on each successful validation and by the session
// lifecycle monitor as expiry progresses. No other writer.
type ClientSession struct {
	data.BaseModel
	ClientID  string        `gorm:"type:varchar(250);uniqueIndex:idx_clientsession_client_id"`
	Token     string        `gorm:"type:varchar(2048)"`
	Status    SessionStatus `gorm:"type:varchar(20);index:idx_clientsession_status"`
	ExpiresAt time.Time
}

// IsExpired reports whether the credential expiry has passed at the given instant.
func (cs *ClientSession) IsExpired(now time.Time) bool {
	return !cs.ExpiresAt.IsZero() && cs.ExpiresAt.Before(now)
}

// BatchStatus tracks delivery of a stored data batch.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "PENDING"
	BatchStatusDelivered BatchStatus = "DELIVERED"
)

// DataBatch is a unit of update data retained per client so a reconnecting
// subscriber can be brought up to date.
type DataBatch struct {
	data.BaseModel
	ClientID string      `gorm:"type:varchar(250);index:idx_databatch_client_id_status"`
	UpdateID string      `gorm:"type:varchar(50)"`
	Status   BatchStatus `gorm:"type:varchar(20);index:idx_databatch_client_id_status"`
	Payload  data.JSONMap
}
