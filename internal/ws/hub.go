package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/disasterwatch/internal/logger"
	"github.com/disasterwatch/internal/model"
	"github.com/disasterwatch/internal/state"
	"github.com/disasterwatch/internal/storage"
)

// errUnexpectedAck means the loop answered an injection with something other
// than the expected acknowledgment payload.
var errUnexpectedAck = errors.New("unexpected acknowledgment payload")

// Notifier отправляет уведомления внешнему push-сервису. Если nil — уведомления
// не отправляются. Доставка пушей — внешняя подсистема, здесь только интерфейс.
type Notifier interface {
	Notify(ctx context.Context, title, body string, data map[string]string)
}

// Identity is the advisory identity attached by an authenticate event.
type Identity struct {
	Email  string
	UserID string
	Role   model.UserRole
}

type opKind int

const (
	opRegister opKind = iota
	opUnregister
	opEvent
)

// envelope is one unit of work for the hub loop. reply, when set, receives
// the acknowledgment instead of a session (used by server-side injections
// from the REST layer).
type envelope struct {
	kind  opKind
	sess  Session
	event IncomingEvent
	reply chan OutgoingEvent
}

// Hub is the room/broadcast server. All state-store mutations, room
// membership changes and broadcasts happen on the single Run goroutine:
// every inbound event is handled to completion before the next one, which
// yields a total order over mutations and makes submit idempotency and
// per-room message ordering hold without locks.
type Hub struct {
	store    *state.Store
	archive  storage.ReportStore // optional write-behind, may be nil
	notifier Notifier
	maxConns int

	events chan envelope
	done   chan struct{}

	// Everything below is owned by the Run goroutine.
	sessions   map[Session]struct{}
	rooms      map[string]map[Session]struct{}
	identities map[Session]Identity

	// clientRef -> assigned id. A replay of an offline record (its first ack
	// lost to a disconnect) must find the id assigned the first time instead
	// of creating a second record.
	submitRefs map[string]string
	chatRefs   map[string]string
}

func NewHub(st *state.Store, archive storage.ReportStore, maxConns int, notifier Notifier) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		store:      st,
		archive:    archive,
		notifier:   notifier,
		maxConns:   maxConns,
		events:     make(chan envelope, 256),
		done:       make(chan struct{}),
		sessions:   make(map[Session]struct{}),
		rooms:      make(map[string]map[Session]struct{}),
		identities: make(map[Session]Identity),
		submitRefs: make(map[string]string),
		chatRefs:   make(map[string]string),
	}
}

// Run processes the event loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case env := <-h.events:
			h.handle(ctx, env)
		}
	}
}

func (h *Hub) shutdown() {
	for s := range h.sessions {
		s.Close()
	}
	h.sessions = make(map[Session]struct{})
	h.rooms = make(map[string]map[Session]struct{})
	h.identities = make(map[Session]Identity)
}

// Register adds a session; the hub replies with the full report snapshot.
func (h *Hub) Register(s Session) {
	select {
	case h.events <- envelope{kind: opRegister, sess: s}:
	case <-h.done:
		s.Close()
	}
}

// Unregister removes a session from the hub and from all rooms. Other room
// members are not notified: presence is not tracked.
func (h *Hub) Unregister(s Session) {
	select {
	case h.events <- envelope{kind: opUnregister, sess: s}:
	case <-h.done:
	}
}

// Deliver queues an inbound event from a session.
func (h *Hub) Deliver(s Session, ev IncomingEvent) {
	select {
	case h.events <- envelope{kind: opEvent, sess: s, event: ev}:
	case <-h.done:
	}
}

// InjectSubmit runs a submit_report on behalf of the REST layer and waits for
// the acknowledgment carrying the stored record.
func (h *Hub) InjectSubmit(ctx context.Context, r model.Report) (model.Report, error) {
	ev, err := NewIncoming(EventSubmitReport, SubmitReportPayload{Report: r})
	if err != nil {
		return model.Report{}, err
	}
	out, err := h.inject(ctx, ev)
	if err != nil {
		return model.Report{}, err
	}
	ack, err := submitAckFrom(out)
	if err != nil {
		return model.Report{}, err
	}
	return ack.Report, nil
}

func submitAckFrom(out OutgoingEvent) (ReportSubmittedPayload, error) {
	ack, ok := out.Payload.(ReportSubmittedPayload)
	if !ok {
		return ReportSubmittedPayload{}, errUnexpectedAck
	}
	return ack, nil
}

// InjectUpdate runs an update_report on behalf of the REST layer. ok is false
// when the report id is unknown (the mutation was a no-op).
func (h *Hub) InjectUpdate(ctx context.Context, p UpdateReportPayload) (model.Report, bool, error) {
	ev, err := NewIncoming(EventUpdateReport, p)
	if err != nil {
		return model.Report{}, false, err
	}
	out, err := h.inject(ctx, ev)
	if err != nil {
		return model.Report{}, false, err
	}
	r, ok := out.Payload.(model.Report)
	return r, ok, nil
}

func (h *Hub) inject(ctx context.Context, ev IncomingEvent) (OutgoingEvent, error) {
	reply := make(chan OutgoingEvent, 1)
	select {
	case h.events <- envelope{kind: opEvent, event: ev, reply: reply}:
	case <-h.done:
		return OutgoingEvent{}, context.Canceled
	case <-ctx.Done():
		return OutgoingEvent{}, ctx.Err()
	}
	select {
	case out := <-reply:
		return out, nil
	case <-h.done:
		return OutgoingEvent{}, context.Canceled
	case <-ctx.Done():
		return OutgoingEvent{}, ctx.Err()
	}
}

func (h *Hub) handle(ctx context.Context, env envelope) {
	switch env.kind {
	case opRegister:
		h.addSession(env.sess)
	case opUnregister:
		h.removeSession(env.sess)
	case opEvent:
		h.handleEvent(ctx, env)
	}
}

func (h *Hub) addSession(s Session) {
	if len(h.sessions) >= h.maxConns {
		logger.Errorf("connection limit reached (%d), rejecting session=%s", h.maxConns, s.SessionID())
		s.Close()
		return
	}
	h.sessions[s] = struct{}{}
	// The snapshot is the only state-sync mechanism: a new connection always
	// receives the full current report set, never a delta.
	h.sendTo(s, OutgoingEvent{Type: EventInitialReports, Payload: h.store.Snapshot()})
}

func (h *Hub) removeSession(s Session) {
	if _, ok := h.sessions[s]; !ok {
		return
	}
	delete(h.sessions, s)
	delete(h.identities, s)
	for reportID, members := range h.rooms {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, reportID)
		}
	}
	s.Close()
}

// HandleEvent dispatches one protocol event. Exposed through Deliver; the
// actual work always runs on the hub loop.
func (h *Hub) handleEvent(ctx context.Context, env envelope) {
	switch env.event.Type {
	case EventAuthenticate:
		h.handleAuthenticate(env)
	case EventSubmitReport:
		h.handleSubmitReport(ctx, env)
	case EventUpdateReport:
		h.handleUpdateReport(ctx, env)
	case EventJoinReportChat:
		h.handleJoinChat(env)
	case EventReportChatMessage:
		h.handleChatMessage(env)
	case EventGetReports:
		h.replyTo(env, OutgoingEvent{Type: EventInitialReports, Payload: h.store.Snapshot()})
	case EventBatchMessages:
		h.handleBatch(ctx, env)
	default:
		h.replyTo(env, OutgoingEvent{Type: EventError, Payload: "unknown event type"})
	}
}

func (h *Hub) handleAuthenticate(env envelope) {
	var p AuthenticatePayload
	if err := json.Unmarshal(env.event.Payload, &p); err != nil {
		h.replyTo(env, OutgoingEvent{Type: EventError, Payload: "malformed authenticate payload"})
		return
	}
	if env.sess != nil {
		h.identities[env.sess] = Identity{Email: p.Email, UserID: p.UserID, Role: p.Role}
	}
	h.replyTo(env, OutgoingEvent{Type: EventAuthSuccess, Payload: AuthSuccessPayload{
		UserID:  p.UserID,
		Role:    p.Role,
		Message: "authenticated",
	}})
}

func (h *Hub) handleSubmitReport(ctx context.Context, env envelope) {
	defer logger.DeferLogDuration("hub.handleSubmitReport", time.Now())()
	var p SubmitReportPayload
	if err := json.Unmarshal(env.event.Payload, &p); err != nil {
		h.replyTo(env, OutgoingEvent{Type: EventError, Payload: "malformed submit_report payload"})
		return
	}

	r := p.Report
	// A replay of a staged record carries the clientRef of the original
	// submission (its first ack was lost to a disconnect). Reuse the id
	// assigned back then so the retry overwrites in place.
	if p.ClientRef != "" {
		if id, ok := h.submitRefs[p.ClientRef]; ok {
			r.ID = id
		}
	}
	// An offline_ id is local-only by contract and must never become the
	// server id; treat it like a missing id.
	if r.ID == "" || r.IsOffline() {
		r.ID = uuid.New().String()
	}
	r.Status = model.StatusPending
	r.Timestamp = time.Now().UTC()
	r.UpdatedAt = nil
	if r.UserID == "" && env.sess != nil {
		if id, ok := h.identities[env.sess]; ok {
			r.UserID = id.UserID
		}
	}

	created := h.store.UpsertReport(&r)
	if !created {
		logger.Infof("report %s resubmitted, overwriting in place", r.ID)
	}
	if p.ClientRef != "" {
		h.submitRefs[p.ClientRef] = r.ID
	}

	// Reports are global: every connection hears about every report.
	h.broadcastAll(OutgoingEvent{Type: EventNewReport, Payload: r})
	h.replyTo(env, OutgoingEvent{Type: EventReportSubmitted, Payload: ReportSubmittedPayload{
		Success:   true,
		Report:    r,
		ClientRef: p.ClientRef,
	}})

	h.persistAsync(&r)
	if h.notifier != nil && r.Severity == model.SeverityCritical {
		rc := r
		go h.notifier.Notify(context.Background(), "Critical incident: "+rc.Type, rc.Description,
			map[string]string{"report_id": rc.ID})
	}
}

func (h *Hub) handleUpdateReport(ctx context.Context, env envelope) {
	defer logger.DeferLogDuration("hub.handleUpdateReport", time.Now())()
	var p UpdateReportPayload
	if err := json.Unmarshal(env.event.Payload, &p); err != nil {
		h.replyTo(env, OutgoingEvent{Type: EventError, Payload: "malformed update_report payload"})
		return
	}

	now := time.Now().UTC()
	var (
		r  *model.Report
		ok bool
	)
	if p.Admin != nil {
		r, ok = h.store.ApplyAdminResponse(p.ReportID, *p.Admin, now)
	} else {
		r, ok = h.store.UpdateReport(p.ReportID, p.Status, p.Notes, now)
	}
	if !ok {
		// Unknown id: a stale or racing update. Silently absorbed for
		// protocol clients; the REST injection path gets an error event so
		// it can answer 404.
		if env.reply != nil {
			env.reply <- OutgoingEvent{Type: EventError, Payload: "unknown report"}
		}
		return
	}

	h.broadcastAll(OutgoingEvent{Type: EventReportUpdated, Payload: *r})
	if env.reply != nil {
		env.reply <- OutgoingEvent{Type: EventReportUpdated, Payload: *r}
	}
	h.persistAsync(r)
}

func (h *Hub) handleJoinChat(env envelope) {
	if env.sess == nil {
		return
	}
	var p JoinReportChatPayload
	if err := json.Unmarshal(env.event.Payload, &p); err != nil || p.ReportID == "" {
		h.sendTo(env.sess, OutgoingEvent{Type: EventError, Payload: "malformed join_report_chat payload"})
		return
	}
	members, ok := h.rooms[p.ReportID]
	if !ok {
		members = make(map[Session]struct{})
		h.rooms[p.ReportID] = members
	}
	members[env.sess] = struct{}{}
	// History goes to the joiner only; the join itself is not broadcast.
	h.sendTo(env.sess, OutgoingEvent{Type: EventChatHistory, Payload: ChatHistoryPayload{
		ReportID: p.ReportID,
		Messages: h.store.Messages(p.ReportID),
	}})
}

func (h *Hub) handleChatMessage(env envelope) {
	var p ChatMessagePayload
	if err := json.Unmarshal(env.event.Payload, &p); err != nil || p.ReportID == "" {
		h.replyTo(env, OutgoingEvent{Type: EventError, Payload: "malformed report_chat_message payload"})
		return
	}
	if p.Text == "" && p.ImageData == "" {
		h.replyTo(env, OutgoingEvent{Type: EventError, Payload: "text or imageData required"})
		return
	}

	id := uuid.New().String()
	// Same replay contract as submit_report: a known clientRef means the
	// message was already delivered once, so keep its original id and let the
	// by-id dedupe below catch it.
	if p.ClientRef != "" {
		if known, ok := h.chatRefs[p.ClientRef]; ok {
			id = known
		}
	}
	m := model.ChatMessage{
		ID:        id,
		ReportID:  p.ReportID,
		Text:      p.Text,
		ImageData: p.ImageData,
		UserName:  p.UserName,
		UserRole:  p.UserRole,
		Timestamp: time.Now().UTC(),
		ClientRef: p.ClientRef,
	}
	if p.ClientRef != "" {
		h.chatRefs[p.ClientRef] = m.ID
	}

	if !h.store.AppendMessage(m) {
		// Replay duplicate. The room already has the message; echo it to the
		// sender only so its sync loop still sees the clientRef confirmed.
		if env.sess != nil {
			h.sendTo(env.sess, OutgoingEvent{Type: EventNewChatMessage, Payload: m})
		}
		return
	}

	// The one room-scoped broadcast in the protocol: only sessions that have
	// joined this report's chat receive it.
	h.broadcastRoom(p.ReportID, OutgoingEvent{Type: EventNewChatMessage, Payload: m})
}

func (h *Hub) handleBatch(ctx context.Context, env envelope) {
	var p BatchPayload
	if err := json.Unmarshal(env.event.Payload, &p); err != nil {
		h.replyTo(env, OutgoingEvent{Type: EventError, Payload: "malformed batch_messages payload"})
		return
	}
	for _, inner := range p.Messages {
		if inner.Type == EventBatchMessages {
			// Nested batches are not part of the protocol.
			continue
		}
		h.handleEvent(ctx, envelope{kind: opEvent, sess: env.sess, event: inner})
	}
}

func (h *Hub) broadcastAll(ev OutgoingEvent) {
	var slow []Session
	for s := range h.sessions {
		if !s.Send(ev) {
			slow = append(slow, s)
		}
	}
	for _, s := range slow {
		logger.Errorf("send buffer full, closing slow session=%s", s.SessionID())
		h.removeSession(s)
	}
}

func (h *Hub) broadcastRoom(reportID string, ev OutgoingEvent) {
	var slow []Session
	for s := range h.rooms[reportID] {
		if !s.Send(ev) {
			slow = append(slow, s)
		}
	}
	for _, s := range slow {
		logger.Errorf("send buffer full, closing slow session=%s", s.SessionID())
		h.removeSession(s)
	}
}

func (h *Hub) sendTo(s Session, ev OutgoingEvent) {
	if !s.Send(ev) {
		logger.Errorf("send buffer full, closing slow session=%s", s.SessionID())
		h.removeSession(s)
	}
}

// replyTo routes an acknowledgment to the originating session, or to the
// injection reply channel when the event came from the REST layer.
func (h *Hub) replyTo(env envelope, ev OutgoingEvent) {
	if env.reply != nil {
		env.reply <- ev
		return
	}
	if env.sess != nil {
		h.sendTo(env.sess, ev)
	}
}

// persistAsync writes the accepted record to the configured report store.
// Best effort: live state stays in memory, a storage failure is only logged.
func (h *Hub) persistAsync(r *model.Report) {
	if h.archive == nil {
		return
	}
	rc := *r
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.archive.SaveReport(ctx, &rc); err != nil {
			logger.Errorf("persist report %s: %v", rc.ID, err)
		}
	}()
}
