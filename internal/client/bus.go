package client

import (
	"github.com/cskr/pubsub"

	"github.com/disasterwatch/internal/logger"
	"github.com/disasterwatch/internal/model"
)

// Topics published on the client bus. Subscribers receive the payload
// types documented next to each topic.
const (
	TopicConnState   = "conn.state"    // ConnStatus
	TopicAuth        = "auth.success"  // AuthResult
	TopicReportsInit = "reports.init"  // []model.Report
	TopicReportNew   = "reports.new"   // model.Report
	TopicReportSaved = "reports.saved" // SubmitAck
	TopicReportEdit  = "reports.edit"  // model.Report
	TopicChatHistory = "chat.history"  // ChatHistory
	TopicChatMessage = "chat.message"  // model.ChatMessage
	TopicServerError = "server.error"  // ServerError
)

// ConnState is the connection lifecycle state as seen by subscribers.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ConnStatus is a bus snapshot of the connection lifecycle.
type ConnStatus struct {
	State     ConnState
	Reason    string
	Transport string
	Attempt   int
}

// AuthResult carries the server's auth_success payload.
type AuthResult struct {
	UserID string
	Role   model.UserRole
}

// SubmitAck is the report_submitted acknowledgement correlated back to
// the submission through ClientRef.
type SubmitAck struct {
	Success   bool
	Report    model.Report
	ClientRef string
}

// ChatHistory is the room history delivered after join_report_chat.
type ChatHistory struct {
	ReportID string
	Messages []model.ChatMessage
}

// ServerError is a protocol-level error event from the server.
type ServerError struct {
	Message string
}

type Subscription chan any

// Bus is the typed event fan-out between the connection layer and
// application subscribers (UI, syncer, tests).
type Bus struct {
	ps *pubsub.PubSub
}

func NewBus() *Bus {
	return &Bus{ps: pubsub.New(128)}
}

func (b *Bus) Publish(topic string, msg any) {
	logger.Debugf("bus publish %s", topic)
	b.ps.Pub(msg, topic)
}

func (b *Bus) Subscribe(topics ...string) Subscription {
	return b.ps.Sub(topics...)
}

func (b *Bus) Unsubscribe(ch Subscription, topics ...string) {
	if len(topics) == 0 {
		b.ps.Unsub(ch)
		return
	}
	b.ps.Unsub(ch, topics...)
}

func (b *Bus) Close() {
	b.ps.Shutdown()
}
