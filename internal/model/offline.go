package model

import "time"

// OfflineReport is a report staged in durable local storage while the client
// has no connectivity. The offline id is never reused as the server id.
type OfflineReport struct {
	OfflineID string    `json:"offlineId"`
	Report    Report    `json:"report"`
	CreatedAt time.Time `json:"createdAt"`
	Synced    bool      `json:"synced"`
}

// OfflineMessage is a chat message staged locally while disconnected.
type OfflineMessage struct {
	OfflineID string      `json:"offlineId"`
	Message   ChatMessage `json:"message"`
	CreatedAt time.Time   `json:"createdAt"`
	Synced    bool        `json:"synced"`
}
