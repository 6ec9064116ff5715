// Package notifyv1 holds the fixed wire shapes exchanged with subscribers and
// with the queue broker. The schemas are frozen by agreement with the twin
// platform producers, so they are maintained by hand and serialized as JSON.
package notifyv1

import "time"

// TwinEventType classifies an update pushed to a subscriber stream.
type TwinEventType string

const (
	TwinEventTypeTwinUpdate          TwinEventType = "TWIN_UPDATE"
	TwinEventTypeTokenExpiredWarning TwinEventType = "TOKEN_EXPIRED_WARNING"
	TwinEventTypeConnectionClosed    TwinEventType = "CONNECTION_CLOSED"
)

// UpdateStatus qualifies the service condition an update reports.
type UpdateStatus string

const (
	UpdateStatusSuccess        UpdateStatus = "SUCCESS"
	UpdateStatusGeneralError   UpdateStatus = "GENERAL_ERROR"
	UpdateStatusInternalError  UpdateStatus = "INTERNAL_ERROR"
	UpdateStatusTransientError UpdateStatus = "TRANSIENT_ERROR"
	UpdateStatusUnavailable    UpdateStatus = "UNAVAILABLE"
	UpdateStatusDataLoss       UpdateStatus = "DATA_LOSS"
)

// SubscribeRequest opens a subscriber stream. The client id is normally taken
// from the authenticated session; the field is a fallback for internal callers.
type SubscribeRequest struct {
	ClientID string `json:"client_id,omitempty"`
}

// SubscribeUpdate is a single message pushed down a subscriber stream.
type SubscribeUpdate struct {
	UpdateID       string        `json:"update_id"`
	EventType      TwinEventType `json:"event_type"`
	Timestamp      time.Time     `json:"timestamp"`
	Status         UpdateStatus  `json:"status"`
	UpdatedTwinIDs []string      `json:"updated_twin_ids,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
}

// TwinUpdateNotification is the payload consumed from the twins notify queue.
type TwinUpdateNotification struct {
	UpdateID  string    `json:"update_id"`
	TwinID    string    `json:"twin_id"`
	ClientIDs []string  `json:"client_ids"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// InitializeNotificationRequest asks the twin platform to replay current state
// for a freshly subscribed client.
type InitializeNotificationRequest struct {
	ClientID    string    `json:"client_id"`
	RequestedAt time.Time `json:"requested_at"`
}
