package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/disasterwatch/internal/ws"
)

// serverEvent is the wire shape of a server frame before payload-specific
// decoding.
type serverEvent struct {
	Type    ws.EventType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Transport moves protocol events over one concrete mechanism. Implementations
// are single-use: after Close a new instance must be dialed.
type Transport interface {
	Name() string
	Dial(ctx context.Context, endpoint string) error
	Send(ev ws.IncomingEvent) error
	// Receive blocks until the next server event or a terminal error.
	Receive() (serverEvent, error)
	Close() error
}

var errTransportClosed = errors.New("transport closed")

// wsTransport is the primary transport: one gorilla/websocket connection.
type wsTransport struct {
	mu   sync.Mutex // guards writes, gorilla allows one concurrent writer
	conn *websocket.Conn
}

func newWSTransport() *wsTransport { return &wsTransport{} }

func (t *wsTransport) Name() string { return "websocket" }

func (t *wsTransport) Dial(ctx context.Context, endpoint string) error {
	u, err := wsURL(endpoint)
	if err != nil {
		return err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", u, err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

func (t *wsTransport) Send(ev ws.IncomingEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return errTransportClosed
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return t.conn.WriteJSON(ev)
}

func (t *wsTransport) Receive() (serverEvent, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return serverEvent{}, errTransportClosed
	}
	var ev serverEvent
	if err := conn.ReadJSON(&ev); err != nil {
		return serverEvent{}, err
	}
	return ev, nil
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// wsURL derives the websocket endpoint from an http(s) base URL.
func wsURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	}
	return u.String(), nil
}

// pollTransport is the fallback for networks that drop websocket upgrades.
// It opens a poll session and long-polls the outbound queue over plain HTTP.
type pollTransport struct {
	http *http.Client
	base string

	mu        sync.Mutex
	sessionID string
	closed    bool
	buffered  []serverEvent
	cancel    context.CancelFunc
	ctx       context.Context
}

func newPollTransport() *pollTransport {
	return &pollTransport{http: &http.Client{Timeout: 45 * time.Second}}
}

func (t *pollTransport) Name() string { return "longpoll" }

func (t *pollTransport) Dial(ctx context.Context, endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/ws"), "/")
	base := u.String()

	resp, err := t.http.Post(base+"/api/poll", "application/json", nil)
	if err != nil {
		return fmt.Errorf("open poll session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("open poll session: status %d", resp.StatusCode)
	}
	var opened struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&opened); err != nil || opened.SessionID == "" {
		return fmt.Errorf("open poll session: bad body: %v", err)
	}

	t.mu.Lock()
	t.base = base
	t.sessionID = opened.SessionID
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.mu.Unlock()
	return nil
}

func (t *pollTransport) Send(ev ws.IncomingEvent) error {
	t.mu.Lock()
	base, sid, closed := t.base, t.sessionID, t.closed
	t.mu.Unlock()
	if closed || sid == "" {
		return errTransportClosed
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	resp, err := t.http.Post(base+"/api/poll/"+sid+"/events", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("poll send: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		// Session expired server-side; the connection must be re-dialed.
		return errTransportClosed
	}
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("poll send: status %d", resp.StatusCode)
	}
	return nil
}

func (t *pollTransport) Receive() (serverEvent, error) {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return serverEvent{}, errTransportClosed
		}
		if len(t.buffered) > 0 {
			ev := t.buffered[0]
			t.buffered = t.buffered[1:]
			t.mu.Unlock()
			return ev, nil
		}
		base, sid, ctx := t.base, t.sessionID, t.ctx
		t.mu.Unlock()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/poll/"+sid, nil)
		if err != nil {
			return serverEvent{}, err
		}
		resp, err := t.http.Do(req)
		if err != nil {
			return serverEvent{}, fmt.Errorf("poll receive: %w", err)
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return serverEvent{}, errTransportClosed
		}
		if resp.StatusCode == http.StatusNoContent {
			// Idle poll cycle, go around again.
			resp.Body.Close()
			continue
		}
		var events []serverEvent
		err = json.NewDecoder(resp.Body).Decode(&events)
		resp.Body.Close()
		if err != nil {
			return serverEvent{}, fmt.Errorf("poll decode: %w", err)
		}
		t.mu.Lock()
		t.buffered = append(t.buffered, events...)
		t.mu.Unlock()
	}
}

func (t *pollTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}
