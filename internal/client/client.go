package client

import (
	"context"
	"sync"

	"github.com/disasterwatch/internal/logger"
	"github.com/disasterwatch/internal/model"
	"github.com/disasterwatch/internal/ws"
)

// Config collects the knobs of the client stack.
type Config struct {
	// Endpoint is the server base URL (http(s) or ws(s)).
	Endpoint string
	// UseLocalStore forces offline-only operation: nothing is dialed and all
	// submissions go to the local staging database.
	UseLocalStore bool
	// OfflineDBPath is the sqlite staging database location.
	OfflineDBPath string
	Reconnect     ReconnectConfig
	Batch         BatchConfig
}

// Client is the field-side facade: connection manager, reconnection
// controller, message batcher, offline store and syncer wired together.
type Client struct {
	cfg     Config
	bus     *Bus
	conn    *ConnManager
	recon   *Reconnector
	batcher *Batcher
	offline *OfflineStore
	syncer  *Syncer

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

func New(cfg Config) *Client {
	if cfg.OfflineDBPath == "" {
		cfg.OfflineDBPath = "offline.db"
	}
	bus := NewBus()
	conn := NewConnManager(cfg.Endpoint, bus)
	c := &Client{
		cfg:   cfg,
		bus:   bus,
		conn:  conn,
		recon: NewReconnector(conn, bus, cfg.Reconnect),
	}
	c.batcher = NewBatcher(cfg.Batch, conn.Send, conn.IsConnected)
	// The offline store opens with the client so staging works before Start.
	c.offline = OpenOfflineStore(context.Background(), cfg.OfflineDBPath)
	c.syncer = NewSyncer(c.offline, conn, bus)
	return c
}

// Bus exposes the event bus for subscribers (UI, tests).
func (c *Client) Bus() *Bus { return c.bus }

func (c *Client) Offline() *OfflineStore { return c.offline }

func (c *Client) ReconnectState() ReconnectState { return c.recon.State() }

func (c *Client) IsConnected() bool { return c.conn.IsConnected() }

func (c *Client) QueueLength() int { return c.batcher.QueueLength() }

// Start runs the syncer and dials the server. A failed initial dial is not
// fatal: the client stays usable offline and the operator can trigger a
// reconnect later.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	go c.syncer.Run(runCtx)
	go c.watchConnection(runCtx)

	if c.cfg.UseLocalStore {
		logger.Infof("local store mode, not dialing %s", c.cfg.Endpoint)
		return
	}
	if err := c.conn.Connect(ctx); err != nil {
		logger.Errorf("initial connect failed, working offline: %v", err)
	}
}

// watchConnection flushes held batches once a connection is (re)established.
func (c *Client) watchConnection(ctx context.Context) {
	sub := c.bus.Subscribe(TopicConnState)
	defer c.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			if st, ok := msg.(ConnStatus); ok && st.State == StateConnected {
				c.batcher.Flush()
			}
		}
	}
}

// Stop tears the stack down. Queued batches are cleared (their callbacks
// fail); offline-staged records stay on disk for the next run.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.recon.Stop()
	c.conn.Disconnect("client shutdown")
	c.batcher.ClearQueue()
	c.offline.Close()
	c.bus.Close()
}

// Authenticate tags the connection with an advisory identity.
func (c *Client) Authenticate(email, userID string, role model.UserRole) error {
	ev, err := ws.NewIncoming(ws.EventAuthenticate, ws.AuthenticatePayload{
		Email: email, UserID: userID, Role: role,
	})
	if err != nil {
		return err
	}
	return c.batcher.QueueMessage(ev, PriorityHigh, nil)
}

// SubmitReport sends a report immediately when connected, otherwise stages it
// offline and returns the staged record. The syncer replays staged records on
// reconnect.
func (c *Client) SubmitReport(ctx context.Context, r model.Report) (*model.OfflineReport, error) {
	if c.cfg.UseLocalStore || !c.conn.IsConnected() {
		rec := c.offline.StoreOfflineReport(ctx, r)
		logger.Infof("report staged offline as %s", rec.OfflineID)
		return &rec, nil
	}
	ev, err := ws.NewIncoming(ws.EventSubmitReport, ws.SubmitReportPayload{Report: r})
	if err != nil {
		return nil, err
	}
	return nil, c.batcher.QueueMessage(ev, PriorityHigh, nil)
}

// SendChatMessage batches a chat message at normal priority, or stages it
// offline when disconnected.
func (c *Client) SendChatMessage(ctx context.Context, m model.ChatMessage) (*model.OfflineMessage, error) {
	if c.cfg.UseLocalStore || !c.conn.IsConnected() {
		rec := c.offline.StoreOfflineMessage(ctx, m)
		return &rec, nil
	}
	ev, err := ws.NewIncoming(ws.EventReportChatMessage, ws.ChatMessagePayload{
		ReportID:  m.ReportID,
		Text:      m.Text,
		ImageData: m.ImageData,
		UserName:  m.UserName,
		UserRole:  m.UserRole,
	})
	if err != nil {
		return nil, err
	}
	return nil, c.batcher.QueueMessage(ev, PriorityNormal, nil)
}

// UpdateReport sends a status/notes mutation for an existing report.
func (c *Client) UpdateReport(p ws.UpdateReportPayload) error {
	ev, err := ws.NewIncoming(ws.EventUpdateReport, p)
	if err != nil {
		return err
	}
	return c.batcher.QueueMessage(ev, PriorityNormal, nil)
}

// JoinReportChat enters a report's chat room; the server answers with the
// room history on the bus.
func (c *Client) JoinReportChat(reportID string) error {
	ev, err := ws.NewIncoming(ws.EventJoinReportChat, ws.JoinReportChatPayload{ReportID: reportID})
	if err != nil {
		return err
	}
	return c.batcher.QueueMessage(ev, PriorityHigh, nil)
}

// RequestReports asks for a fresh full snapshot.
func (c *Client) RequestReports() error {
	return c.batcher.QueueMessage(ws.IncomingEvent{Type: ws.EventGetReports}, PriorityHigh, nil)
}

// Reconnect dials on operator initiative, suppressing the automatic loop.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.recon.Reconnect(ctx)
}

// ResetReconnect re-arms the controller after it has exhausted its retries.
func (c *Client) ResetReconnect() { c.recon.Reset() }

// Flush forces out any batched messages without waiting for the timer.
func (c *Client) Flush() { c.batcher.Flush() }
