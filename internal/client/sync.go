package client

import (
	"context"
	"strings"

	"github.com/disasterwatch/internal/logger"
	"github.com/disasterwatch/internal/model"
	"github.com/disasterwatch/internal/ws"
)

// Syncer replays offline-staged records once the connection returns. Each
// replayed submission carries its offline_ id as the clientRef token; the
// server echoes the token in its acknowledgment, which is how a staged record
// is correlated with the server-assigned id and marked synced.
// eventSender is the slice of the connection manager the syncer needs.
type eventSender interface {
	Send(ev ws.IncomingEvent) error
}

type Syncer struct {
	store *OfflineStore
	conn  eventSender
	bus   *Bus
}

func NewSyncer(store *OfflineStore, conn eventSender, bus *Bus) *Syncer {
	return &Syncer{store: store, conn: conn, bus: bus}
}

// Run consumes bus events until ctx is cancelled. It flips the online signal
// on connection changes, triggers a replay on every (re)connect and marks
// records synced as acknowledgments arrive.
func (s *Syncer) Run(ctx context.Context) {
	sub := s.bus.Subscribe(TopicConnState, TopicReportSaved, TopicChatMessage)
	defer s.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *Syncer) handle(ctx context.Context, msg any) {
	switch v := msg.(type) {
	case ConnStatus:
		switch v.State {
		case StateConnected:
			s.store.SetOnline(true)
			go s.Replay(ctx)
		case StateDisconnected:
			s.store.SetOnline(false)
		}
	case SubmitAck:
		if v.Success && isOfflineRef(v.ClientRef) {
			s.store.MarkReportSynced(ctx, v.ClientRef)
			s.store.CleanupSynced(ctx)
			logger.Infof("offline report %s confirmed as %s", v.ClientRef, v.Report.ID)
		}
	case model.ChatMessage:
		if isOfflineRef(v.ClientRef) {
			s.store.MarkMessageSynced(ctx, v.ClientRef)
			s.store.CleanupSynced(ctx)
		}
	}
}

// Replay pushes every unsynced record to the server, oldest first. Reports go
// out directly; messages are preceded by a room join so the confirming echo
// reaches this client.
func (s *Syncer) Replay(ctx context.Context) {
	for _, rec := range s.store.UnsyncedReports(ctx) {
		ev, err := ws.NewIncoming(ws.EventSubmitReport, ws.SubmitReportPayload{
			Report:    rec.Report,
			ClientRef: rec.OfflineID,
		})
		if err != nil {
			logger.Errorf("replay report %s: %v", rec.OfflineID, err)
			continue
		}
		if err := s.conn.Send(ev); err != nil {
			logger.Errorf("replay report %s: %v", rec.OfflineID, err)
			return
		}
	}

	joined := map[string]bool{}
	for _, rec := range s.store.UnsyncedMessages(ctx) {
		m := rec.Message
		if !joined[m.ReportID] {
			join, err := ws.NewIncoming(ws.EventJoinReportChat, ws.JoinReportChatPayload{ReportID: m.ReportID})
			if err == nil {
				err = s.conn.Send(join)
			}
			if err != nil {
				logger.Errorf("replay join %s: %v", m.ReportID, err)
				return
			}
			joined[m.ReportID] = true
		}
		ev, err := ws.NewIncoming(ws.EventReportChatMessage, ws.ChatMessagePayload{
			ReportID:  m.ReportID,
			Text:      m.Text,
			ImageData: m.ImageData,
			UserName:  m.UserName,
			UserRole:  m.UserRole,
			ClientRef: rec.OfflineID,
		})
		if err != nil {
			logger.Errorf("replay message %s: %v", rec.OfflineID, err)
			continue
		}
		if err := s.conn.Send(ev); err != nil {
			logger.Errorf("replay message %s: %v", rec.OfflineID, err)
			return
		}
	}
}

func isOfflineRef(ref string) bool {
	return strings.HasPrefix(ref, model.OfflineIDPrefix)
}
