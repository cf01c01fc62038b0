package ws

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/disasterwatch/internal/model"
	"github.com/disasterwatch/internal/state"
)

type fakeSession struct {
	id     string
	events chan OutgoingEvent
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, events: make(chan OutgoingEvent, 64)}
}

func (f *fakeSession) SessionID() string { return f.id }

func (f *fakeSession) Send(ev OutgoingEvent) bool {
	select {
	case f.events <- ev:
		return true
	default:
		return false
	}
}

func (f *fakeSession) Close() {}

func (f *fakeSession) next(t *testing.T) OutgoingEvent {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s: timed out waiting for event", f.id)
		return OutgoingEvent{}
	}
}

func (f *fakeSession) expect(t *testing.T, typ EventType) OutgoingEvent {
	t.Helper()
	ev := f.next(t)
	if ev.Type != typ {
		t.Fatalf("session %s: expected %s, got %s (%+v)", f.id, typ, ev.Type, ev.Payload)
	}
	return ev
}

func startHub(t *testing.T, st *state.Store) *Hub {
	t.Helper()
	h := NewHub(st, nil, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func mustEvent(t *testing.T, typ EventType, payload any) IncomingEvent {
	t.Helper()
	ev, err := NewIncoming(typ, payload)
	if err != nil {
		t.Fatalf("build %s: %v", typ, err)
	}
	return ev
}

func TestRegisterDeliversFullSnapshot(t *testing.T) {
	st := state.New()
	st.UpsertReport(&model.Report{ID: "r1", Type: "flood", Status: model.StatusPending})
	st.UpsertReport(&model.Report{ID: "r2", Type: "fire", Status: model.StatusApproved})
	h := startHub(t, st)

	s := newFakeSession("s1")
	h.Register(s)

	ev := s.expect(t, EventInitialReports)
	reports, ok := ev.Payload.([]model.Report)
	if !ok {
		t.Fatalf("unexpected snapshot payload %T", ev.Payload)
	}
	if len(reports) != 2 || reports[0].ID != "r1" || reports[1].ID != "r2" {
		t.Fatalf("unexpected snapshot %+v", reports)
	}
}

func TestSubmitReportBroadcastsAndAcksSenderOnly(t *testing.T) {
	h := startHub(t, state.New())
	s1, s2 := newFakeSession("s1"), newFakeSession("s2")
	h.Register(s1)
	h.Register(s2)
	s1.expect(t, EventInitialReports)
	s2.expect(t, EventInitialReports)

	h.Deliver(s1, mustEvent(t, EventSubmitReport, SubmitReportPayload{
		Report:    model.Report{Type: "earthquake", Severity: model.SeverityHigh},
		ClientRef: "offline_abc",
	}))

	// Reports are global: both sessions get the broadcast.
	b1 := s1.expect(t, EventNewReport)
	s2.expect(t, EventNewReport)

	r, ok := b1.Payload.(model.Report)
	if !ok {
		t.Fatalf("unexpected broadcast payload %T", b1.Payload)
	}
	if r.ID == "" || strings.HasPrefix(r.ID, model.OfflineIDPrefix) {
		t.Fatalf("server must assign a non-offline id, got %q", r.ID)
	}
	if r.Status != model.StatusPending {
		t.Fatalf("new report must start pending, got %s", r.Status)
	}

	// Ack goes to the sender only and echoes the clientRef.
	ack := s1.expect(t, EventReportSubmitted)
	p, ok := ack.Payload.(ReportSubmittedPayload)
	if !ok || !p.Success {
		t.Fatalf("unexpected ack %+v", ack.Payload)
	}
	if p.ClientRef != "offline_abc" {
		t.Fatalf("ack must echo clientRef, got %q", p.ClientRef)
	}
	if p.Report.ID != r.ID {
		t.Fatalf("ack report id %q != broadcast id %q", p.Report.ID, r.ID)
	}
	if len(s2.events) != 0 {
		t.Fatalf("ack leaked to non-sender: %+v", <-s2.events)
	}
}

func TestUpdateUnknownReportIsSilentNoOp(t *testing.T) {
	h := startHub(t, state.New())
	s := newFakeSession("s1")
	h.Register(s)
	s.expect(t, EventInitialReports)

	h.Deliver(s, mustEvent(t, EventUpdateReport, UpdateReportPayload{
		ReportID: "ghost", Status: model.StatusApproved,
	}))
	// Prove the no-op by pushing a real submit behind it: the next event the
	// session sees must be that submit's broadcast, not an error or update.
	h.Deliver(s, mustEvent(t, EventSubmitReport, SubmitReportPayload{Report: model.Report{Type: "flood"}}))

	ev := s.next(t)
	if ev.Type != EventNewReport {
		t.Fatalf("expected silent no-op then new_report, got %s", ev.Type)
	}
}

func TestUpdateReportBroadcastsToAll(t *testing.T) {
	h := startHub(t, state.New())
	s1, s2 := newFakeSession("s1"), newFakeSession("s2")
	h.Register(s1)
	h.Register(s2)
	s1.expect(t, EventInitialReports)
	s2.expect(t, EventInitialReports)

	h.Deliver(s1, mustEvent(t, EventSubmitReport, SubmitReportPayload{Report: model.Report{Type: "flood"}}))
	created := s1.expect(t, EventNewReport).Payload.(model.Report)
	s1.expect(t, EventReportSubmitted)
	s2.expect(t, EventNewReport)

	h.Deliver(s2, mustEvent(t, EventUpdateReport, UpdateReportPayload{
		ReportID: created.ID, Status: model.StatusCurrent,
	}))
	for _, s := range []*fakeSession{s1, s2} {
		upd := s.expect(t, EventReportUpdated).Payload.(model.Report)
		if upd.Status != model.StatusCurrent {
			t.Fatalf("expected current, got %s", upd.Status)
		}
		if upd.UpdatedAt == nil {
			t.Fatalf("update must stamp updatedAt")
		}
	}
}

func TestChatIsRoomScoped(t *testing.T) {
	st := state.New()
	st.UpsertReport(&model.Report{ID: "r1", Type: "flood", Status: model.StatusPending})
	h := startHub(t, st)
	member, outsider := newFakeSession("member"), newFakeSession("outsider")
	h.Register(member)
	h.Register(outsider)
	member.expect(t, EventInitialReports)
	outsider.expect(t, EventInitialReports)

	h.Deliver(member, mustEvent(t, EventJoinReportChat, JoinReportChatPayload{ReportID: "r1"}))
	hist := member.expect(t, EventChatHistory).Payload.(ChatHistoryPayload)
	if hist.ReportID != "r1" || len(hist.Messages) != 0 {
		t.Fatalf("unexpected history %+v", hist)
	}

	h.Deliver(member, mustEvent(t, EventReportChatMessage, ChatMessagePayload{
		ReportID: "r1", Text: "water rising", UserName: "ann",
	}))
	msg := member.expect(t, EventNewChatMessage).Payload.(model.ChatMessage)
	if msg.ID == "" || msg.Timestamp.IsZero() {
		t.Fatalf("server must assign message id and timestamp: %+v", msg)
	}

	// The outsider never joined r1: it must not see the room broadcast. A
	// global marker event proves ordering.
	h.Deliver(member, mustEvent(t, EventSubmitReport, SubmitReportPayload{Report: model.Report{Type: "marker"}}))
	if ev := outsider.next(t); ev.Type != EventNewReport {
		t.Fatalf("room message leaked to outsider: %s", ev.Type)
	}
}

func TestLateJoinerGetsHistory(t *testing.T) {
	st := state.New()
	st.UpsertReport(&model.Report{ID: "r1", Type: "flood", Status: model.StatusPending})
	h := startHub(t, st)
	early, late := newFakeSession("early"), newFakeSession("late")
	h.Register(early)
	early.expect(t, EventInitialReports)

	h.Deliver(early, mustEvent(t, EventJoinReportChat, JoinReportChatPayload{ReportID: "r1"}))
	early.expect(t, EventChatHistory)
	for _, text := range []string{"one", "two"} {
		h.Deliver(early, mustEvent(t, EventReportChatMessage, ChatMessagePayload{ReportID: "r1", Text: text}))
		early.expect(t, EventNewChatMessage)
	}

	h.Register(late)
	late.expect(t, EventInitialReports)
	h.Deliver(late, mustEvent(t, EventJoinReportChat, JoinReportChatPayload{ReportID: "r1"}))
	hist := late.expect(t, EventChatHistory).Payload.(ChatHistoryPayload)
	if len(hist.Messages) != 2 || hist.Messages[0].Text != "one" || hist.Messages[1].Text != "two" {
		t.Fatalf("late joiner history wrong: %+v", hist.Messages)
	}
}

func TestDisconnectLeavesRoomsWithoutBroadcast(t *testing.T) {
	st := state.New()
	st.UpsertReport(&model.Report{ID: "r1", Type: "flood", Status: model.StatusPending})
	h := startHub(t, st)
	leaver, stayer := newFakeSession("leaver"), newFakeSession("stayer")
	h.Register(leaver)
	h.Register(stayer)
	leaver.expect(t, EventInitialReports)
	stayer.expect(t, EventInitialReports)
	for _, s := range []*fakeSession{leaver, stayer} {
		h.Deliver(s, mustEvent(t, EventJoinReportChat, JoinReportChatPayload{ReportID: "r1"}))
		s.expect(t, EventChatHistory)
	}

	h.Unregister(leaver)

	// No departure event: the stayer's next event is the chat message below.
	h.Deliver(stayer, mustEvent(t, EventReportChatMessage, ChatMessagePayload{ReportID: "r1", Text: "still here"}))
	if ev := stayer.next(t); ev.Type != EventNewChatMessage {
		t.Fatalf("unexpected event after disconnect: %s", ev.Type)
	}
	if len(leaver.events) != 0 {
		t.Fatalf("unregistered session still receiving events")
	}
}

func TestBatchUnpacksInOrder(t *testing.T) {
	st := state.New()
	st.UpsertReport(&model.Report{ID: "r1", Type: "flood", Status: model.StatusPending})
	h := startHub(t, st)
	s := newFakeSession("s1")
	h.Register(s)
	s.expect(t, EventInitialReports)

	batch := mustEvent(t, EventBatchMessages, BatchPayload{
		BatchID:   "b1",
		CreatedAt: time.Now().UTC(),
		Messages: []IncomingEvent{
			mustEvent(t, EventJoinReportChat, JoinReportChatPayload{ReportID: "r1"}),
			mustEvent(t, EventReportChatMessage, ChatMessagePayload{ReportID: "r1", Text: "first"}),
			mustEvent(t, EventReportChatMessage, ChatMessagePayload{ReportID: "r1", Text: "second"}),
		},
	})
	h.Deliver(s, batch)

	s.expect(t, EventChatHistory)
	if m := s.expect(t, EventNewChatMessage).Payload.(model.ChatMessage); m.Text != "first" {
		t.Fatalf("batch order broken: got %q first", m.Text)
	}
	if m := s.expect(t, EventNewChatMessage).Payload.(model.ChatMessage); m.Text != "second" {
		t.Fatalf("batch order broken: got %q second", m.Text)
	}
}

func TestGetReportsResendsSnapshot(t *testing.T) {
	h := startHub(t, state.New())
	s := newFakeSession("s1")
	h.Register(s)
	s.expect(t, EventInitialReports)

	h.Deliver(s, mustEvent(t, EventSubmitReport, SubmitReportPayload{Report: model.Report{Type: "fire"}}))
	s.expect(t, EventNewReport)
	s.expect(t, EventReportSubmitted)

	h.Deliver(s, IncomingEvent{Type: EventGetReports})
	snap := s.expect(t, EventInitialReports).Payload.([]model.Report)
	if len(snap) != 1 || snap[0].Type != "fire" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestAuthenticateIsAdvisory(t *testing.T) {
	h := startHub(t, state.New())
	s := newFakeSession("s1")
	h.Register(s)
	s.expect(t, EventInitialReports)

	h.Deliver(s, mustEvent(t, EventAuthenticate, AuthenticatePayload{
		UserID: "u1", Role: model.RoleAdmin,
	}))
	p := s.expect(t, EventAuthSuccess).Payload.(AuthSuccessPayload)
	if p.UserID != "u1" || p.Role != model.RoleAdmin {
		t.Fatalf("unexpected auth_success %+v", p)
	}

	// Subsequent submits are attributed to the authenticated user.
	h.Deliver(s, mustEvent(t, EventSubmitReport, SubmitReportPayload{Report: model.Report{Type: "flood"}}))
	r := s.expect(t, EventNewReport).Payload.(model.Report)
	if r.UserID != "u1" {
		t.Fatalf("expected submit attributed to u1, got %q", r.UserID)
	}
}

func TestInjectSubmitAndUpdate(t *testing.T) {
	h := startHub(t, state.New())
	ctx := context.Background()

	stored, err := h.InjectSubmit(ctx, model.Report{Type: "landslide"})
	if err != nil {
		t.Fatalf("inject submit: %v", err)
	}
	if stored.ID == "" || stored.Status != model.StatusPending {
		t.Fatalf("unexpected stored record %+v", stored)
	}

	if _, ok, err := h.InjectUpdate(ctx, UpdateReportPayload{ReportID: "ghost", Status: model.StatusApproved}); err != nil || ok {
		t.Fatalf("expected unknown id to report ok=false, got ok=%v err=%v", ok, err)
	}

	updated, ok, err := h.InjectUpdate(ctx, UpdateReportPayload{ReportID: stored.ID, Status: model.StatusApproved})
	if err != nil || !ok {
		t.Fatalf("inject update: ok=%v err=%v", ok, err)
	}
	if updated.Status != model.StatusApproved {
		t.Fatalf("expected approved, got %s", updated.Status)
	}
}

func TestReplayedSubmitKeepsOneReport(t *testing.T) {
	h := startHub(t, state.New())
	s := newFakeSession("s1")
	h.Register(s)
	s.expect(t, EventInitialReports)

	submit := mustEvent(t, EventSubmitReport, SubmitReportPayload{
		Report:    model.Report{ID: "offline_abc", Type: "flood", Description: "bridge out"},
		ClientRef: "offline_abc",
	})
	h.Deliver(s, submit)
	s.expect(t, EventNewReport)
	first := s.expect(t, EventReportSubmitted).Payload.(ReportSubmittedPayload)

	// The ack was lost to a disconnect: the sync loop replays the staged
	// record verbatim. The retry must land on the same server record.
	h.Deliver(s, submit)
	second := s.expect(t, EventNewReport).Payload.(model.Report)
	ack := s.expect(t, EventReportSubmitted).Payload.(ReportSubmittedPayload)

	if second.ID != first.Report.ID || ack.Report.ID != first.Report.ID {
		t.Fatalf("replay must reuse the assigned id %q, got broadcast %q ack %q",
			first.Report.ID, second.ID, ack.Report.ID)
	}
	if ack.ClientRef != "offline_abc" {
		t.Fatalf("replay ack must echo clientRef, got %q", ack.ClientRef)
	}

	h.Deliver(s, IncomingEvent{Type: EventGetReports})
	snap := s.expect(t, EventInitialReports).Payload.([]model.Report)
	if len(snap) != 1 {
		t.Fatalf("one staged record must stay one report, got %d", len(snap))
	}
}

func TestReplayedChatMessageKeepsOneMessage(t *testing.T) {
	st := state.New()
	st.UpsertReport(&model.Report{ID: "r1", Type: "flood", Status: model.StatusPending})
	h := startHub(t, st)
	sender, peer := newFakeSession("sender"), newFakeSession("peer")
	h.Register(sender)
	h.Register(peer)
	sender.expect(t, EventInitialReports)
	peer.expect(t, EventInitialReports)
	for _, s := range []*fakeSession{sender, peer} {
		h.Deliver(s, mustEvent(t, EventJoinReportChat, JoinReportChatPayload{ReportID: "r1"}))
		s.expect(t, EventChatHistory)
	}

	msg := mustEvent(t, EventReportChatMessage, ChatMessagePayload{
		ReportID: "r1", Text: "need boats", ClientRef: "offline_m1",
	})
	h.Deliver(sender, msg)
	first := sender.expect(t, EventNewChatMessage).Payload.(model.ChatMessage)
	peer.expect(t, EventNewChatMessage)

	// Replay after a lost ack: the sender still gets its confirmation echo
	// with the original id, the room is not broadcast to again.
	h.Deliver(sender, msg)
	echo := sender.expect(t, EventNewChatMessage).Payload.(model.ChatMessage)
	if echo.ID != first.ID {
		t.Fatalf("replay echo must carry the original id %q, got %q", first.ID, echo.ID)
	}

	// A global marker proves the peer saw no duplicate in between.
	h.Deliver(sender, mustEvent(t, EventSubmitReport, SubmitReportPayload{Report: model.Report{Type: "marker"}}))
	if ev := peer.next(t); ev.Type != EventNewReport {
		t.Fatalf("duplicate chat message leaked to the room: %s", ev.Type)
	}

	h.Deliver(peer, mustEvent(t, EventJoinReportChat, JoinReportChatPayload{ReportID: "r1"}))
	hist := peer.expect(t, EventChatHistory).Payload.(ChatHistoryPayload)
	if len(hist.Messages) != 1 || hist.Messages[0].ID != first.ID {
		t.Fatalf("history must hold the message once, got %+v", hist.Messages)
	}
}

func TestSubmitAckTypeMismatch(t *testing.T) {
	_, err := submitAckFrom(OutgoingEvent{Type: EventError, Payload: "unknown report"})
	if !errors.Is(err, errUnexpectedAck) {
		t.Fatalf("expected errUnexpectedAck, got %v", err)
	}
	if errors.Is(err, context.Canceled) {
		t.Fatalf("ack mismatch must not look like cancellation")
	}

	ack, err := submitAckFrom(OutgoingEvent{
		Type:    EventReportSubmitted,
		Payload: ReportSubmittedPayload{Success: true, Report: model.Report{ID: "r1"}},
	})
	if err != nil || !ack.Success || ack.Report.ID != "r1" {
		t.Fatalf("valid ack rejected: %+v %v", ack, err)
	}
}

func TestMalformedPayloadIsIsolated(t *testing.T) {
	h := startHub(t, state.New())
	s := newFakeSession("s1")
	h.Register(s)
	s.expect(t, EventInitialReports)

	h.Deliver(s, IncomingEvent{Type: EventSubmitReport, Payload: []byte(`{"type":`)})
	s.expect(t, EventError)

	// The connection stays usable afterwards.
	h.Deliver(s, mustEvent(t, EventSubmitReport, SubmitReportPayload{Report: model.Report{Type: "flood"}}))
	s.expect(t, EventNewReport)
}
