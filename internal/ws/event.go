package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/disasterwatch/internal/model"
)

type EventType string

const (
	// server -> client
	EventInitialReports  EventType = "initial_reports"
	EventAuthSuccess     EventType = "auth_success"
	EventNewReport       EventType = "new_report"
	EventReportSubmitted EventType = "report_submitted"
	EventReportUpdated   EventType = "report_updated"
	EventChatHistory     EventType = "chat_history"
	EventNewChatMessage  EventType = "new_chat_message"
	EventError           EventType = "error"

	// client -> server
	EventAuthenticate      EventType = "authenticate"
	EventSubmitReport      EventType = "submit_report"
	EventUpdateReport      EventType = "update_report"
	EventJoinReportChat    EventType = "join_report_chat"
	EventReportChatMessage EventType = "report_chat_message"
	EventGetReports        EventType = "get_reports"
	EventBatchMessages     EventType = "batch_messages"
)

// IncomingEvent is what the client sends to the server. Payload shape depends
// on Type; handlers unmarshal into the typed payload structs below.
type IncomingEvent struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewIncoming builds an IncomingEvent with a marshaled payload.
func NewIncoming(t EventType, payload any) (IncomingEvent, error) {
	if payload == nil {
		return IncomingEvent{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return IncomingEvent{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return IncomingEvent{Type: t, Payload: raw}, nil
}

// OutgoingEvent is what the server sends to the client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingEvent struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// AuthenticatePayload carries an advisory identity tag. It names the user for
// display; authorization is enforced by the external auth subsystem.
type AuthenticatePayload struct {
	Email  string         `json:"email,omitempty"`
	UserID string         `json:"userId,omitempty"`
	Role   model.UserRole `json:"role,omitempty"`
}

// AuthSuccessPayload echoes the accepted identity.
type AuthSuccessPayload struct {
	UserID  string         `json:"userId,omitempty"`
	Role    model.UserRole `json:"role,omitempty"`
	Message string         `json:"message"`
}

// SubmitReportPayload is a partial report. ClientRef is an optional
// client-generated idempotency token echoed back in report_submitted, used to
// correlate offline-created records with their server-confirmed ids.
type SubmitReportPayload struct {
	model.Report
	ClientRef string `json:"clientRef,omitempty"`
}

// ReportSubmittedPayload acknowledges a submission to the sender only.
type ReportSubmittedPayload struct {
	Success   bool         `json:"success"`
	Report    model.Report `json:"report"`
	ClientRef string       `json:"clientRef,omitempty"`
}

// UpdateReportPayload mutates an existing report. Notes is merged only when
// present. Admin carries the admin-response extension used by the REST layer.
type UpdateReportPayload struct {
	ReportID string               `json:"reportId"`
	Status   model.ReportStatus   `json:"status,omitempty"`
	Notes    *string              `json:"notes,omitempty"`
	Admin    *model.AdminResponse `json:"admin,omitempty"`
}

type JoinReportChatPayload struct {
	ReportID string `json:"reportId"`
}

// ChatHistoryPayload is unicast to a joiner; joining is not broadcast.
type ChatHistoryPayload struct {
	ReportID string              `json:"reportId"`
	Messages []model.ChatMessage `json:"messages"`
}

// ChatMessagePayload is a client-authored chat message; the server assigns
// id and timestamp.
type ChatMessagePayload struct {
	ReportID  string         `json:"reportId"`
	Text      string         `json:"text,omitempty"`
	ImageData string         `json:"imageData,omitempty"`
	UserName  string         `json:"userName,omitempty"`
	UserRole  model.UserRole `json:"userRole,omitempty"`
	ClientRef string         `json:"clientRef,omitempty"`
}

// BatchPayload groups several low/normal-priority events into one
// transmission. The server unpacks and applies the inner events in order.
type BatchPayload struct {
	BatchID   string          `json:"batchId"`
	CreatedAt time.Time       `json:"createdAt"`
	Messages  []IncomingEvent `json:"messages"`
}
