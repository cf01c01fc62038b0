package model

import "time"

type UserRole string

const (
	RoleResident UserRole = "resident"
	RoleAdmin    UserRole = "admin"
)

// ChatMessage is one message within a report's thread. Messages are
// append-only; ordering within a thread is the order of server receipt.
type ChatMessage struct {
	ID        string    `json:"id"`
	ReportID  string    `json:"reportId"`
	Text      string    `json:"text,omitempty"`
	ImageData string    `json:"imageData,omitempty"` // opaque payload (base64), passed through as-is
	UserName  string    `json:"userName,omitempty"`
	UserRole  UserRole  `json:"userRole,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// ClientRef is a client-generated idempotency token. The server echoes it
	// back on the broadcast so an offline-originated message can be matched
	// with its server-assigned id after replay.
	ClientRef string `json:"clientRef,omitempty"`
}
