package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/disasterwatch/internal/logger"
	"github.com/disasterwatch/internal/model"
	"github.com/disasterwatch/internal/ws"
)

// ErrAlreadyConnected is returned by Connect while a connection is live.
var ErrAlreadyConnected = errors.New("already connected")

// ConnManager owns the active transport. It dials websocket first and falls
// back to long-polling, decodes server frames and fans them out on the bus.
// Send before a connection is established is a silent no-op.
type ConnManager struct {
	endpoint string
	bus      *Bus

	// onDrop fires once per lost connection, after the disconnected status is
	// published. The reconnection controller hangs off this.
	onDrop func(reason string)

	mu        sync.Mutex
	tr        Transport
	connected bool
	closing   bool
}

func NewConnManager(endpoint string, bus *Bus) *ConnManager {
	return &ConnManager{endpoint: endpoint, bus: bus}
}

// SetOnDrop must be called before Connect.
func (c *ConnManager) SetOnDrop(fn func(reason string)) { c.onDrop = fn }

func (c *ConnManager) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect establishes a transport, preferring websocket. The server answers a
// fresh connection with the full report snapshot, so subscribers of
// TopicReportsInit resynchronize without any client-side delta logic.
func (c *ConnManager) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.closing = false
	c.mu.Unlock()

	var lastErr error
	for _, tr := range []Transport{newWSTransport(), newPollTransport()} {
		if err := tr.Dial(ctx, c.endpoint); err != nil {
			logger.Infof("dial via %s failed: %v", tr.Name(), err)
			lastErr = err
			continue
		}
		c.mu.Lock()
		c.tr = tr
		c.connected = true
		c.mu.Unlock()
		c.bus.Publish(TopicConnState, ConnStatus{State: StateConnected, Transport: tr.Name()})
		go c.readLoop(tr)
		return nil
	}
	return fmt.Errorf("all transports failed: %w", lastErr)
}

// Send transmits one protocol event. Before a connection exists it does
// nothing: queueing for later delivery is the batcher's and offline store's
// job, not the transport's.
func (c *ConnManager) Send(ev ws.IncomingEvent) error {
	c.mu.Lock()
	tr, connected := c.tr, c.connected
	c.mu.Unlock()
	if !connected {
		logger.Debugf("send %s before connect, dropped", ev.Type)
		return nil
	}
	if err := tr.Send(ev); err != nil {
		if errors.Is(err, errTransportClosed) {
			c.drop("send on closed transport")
			return nil
		}
		return err
	}
	return nil
}

// Disconnect closes the transport deliberately. onDrop is not invoked, so no
// automatic reconnection follows.
func (c *ConnManager) Disconnect(reason string) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.closing = true
	tr := c.tr
	c.connected = false
	c.tr = nil
	c.mu.Unlock()

	tr.Close()
	c.bus.Publish(TopicConnState, ConnStatus{State: StateDisconnected, Reason: reason})
}

func (c *ConnManager) drop(reason string) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	tr := c.tr
	c.connected = false
	c.tr = nil
	deliberate := c.closing
	c.mu.Unlock()

	tr.Close()
	c.bus.Publish(TopicConnState, ConnStatus{State: StateDisconnected, Reason: reason})
	if c.onDrop != nil && !deliberate {
		go c.onDrop(reason)
	}
}

func (c *ConnManager) readLoop(tr Transport) {
	for {
		ev, err := tr.Receive()
		if err != nil {
			c.drop(err.Error())
			return
		}
		c.dispatch(ev)
	}
}

// dispatch decodes one server frame and publishes the typed payload. A frame
// that fails to decode is logged and skipped: one bad frame must not kill the
// connection.
func (c *ConnManager) dispatch(ev serverEvent) {
	switch ev.Type {
	case ws.EventInitialReports:
		var reports []model.Report
		if c.decode(ev, &reports) {
			c.bus.Publish(TopicReportsInit, reports)
		}
	case ws.EventAuthSuccess:
		var p ws.AuthSuccessPayload
		if c.decode(ev, &p) {
			c.bus.Publish(TopicAuth, AuthResult{UserID: p.UserID, Role: p.Role})
		}
	case ws.EventNewReport:
		var r model.Report
		if c.decode(ev, &r) {
			c.bus.Publish(TopicReportNew, r)
		}
	case ws.EventReportSubmitted:
		var p ws.ReportSubmittedPayload
		if c.decode(ev, &p) {
			c.bus.Publish(TopicReportSaved, SubmitAck{Success: p.Success, Report: p.Report, ClientRef: p.ClientRef})
		}
	case ws.EventReportUpdated:
		var r model.Report
		if c.decode(ev, &r) {
			c.bus.Publish(TopicReportEdit, r)
		}
	case ws.EventChatHistory:
		var p ws.ChatHistoryPayload
		if c.decode(ev, &p) {
			c.bus.Publish(TopicChatHistory, ChatHistory{ReportID: p.ReportID, Messages: p.Messages})
		}
	case ws.EventNewChatMessage:
		var m model.ChatMessage
		if c.decode(ev, &m) {
			c.bus.Publish(TopicChatMessage, m)
		}
	case ws.EventError:
		var msg string
		if c.decode(ev, &msg) {
			c.bus.Publish(TopicServerError, ServerError{Message: msg})
		}
	default:
		logger.Infof("unknown server event %q ignored", ev.Type)
	}
}

func (c *ConnManager) decode(ev serverEvent, dst any) bool {
	if err := json.Unmarshal(ev.Payload, dst); err != nil {
		logger.Errorf("malformed %s payload: %v", ev.Type, err)
		return false
	}
	return true
}
