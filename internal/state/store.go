// Package state holds the authoritative in-memory report set and per-report
// chat histories. A Store is owned by exactly one goroutine (the hub loop);
// it is deliberately unsynchronized and must never be mutated from anywhere
// else.
package state

import (
	"time"

	"github.com/disasterwatch/internal/model"
)

type Store struct {
	reports  map[string]*model.Report
	order    []string // report ids in insertion order, for snapshots
	messages map[string][]model.ChatMessage
	msgIDs   map[string]map[string]struct{} // reportID -> set of message ids
}

func New() *Store {
	return &Store{
		reports:  make(map[string]*model.Report),
		messages: make(map[string][]model.ChatMessage),
		msgIDs:   make(map[string]map[string]struct{}),
	}
}

// UpsertReport stores r under r.ID. A second submit with the same id
// overwrites the record in place (update, not duplicate insert) and keeps
// its original position in the snapshot order.
func (s *Store) UpsertReport(r *model.Report) (created bool) {
	if _, ok := s.reports[r.ID]; !ok {
		s.order = append(s.order, r.ID)
		created = true
	}
	s.reports[r.ID] = r
	return created
}

// UpdateReport applies a status/notes mutation to an existing report and
// stamps UpdatedAt. Returns (nil, false) when the id is unknown: a stale or
// racing update must not create a phantom record.
func (s *Store) UpdateReport(id string, status model.ReportStatus, notes *string, now time.Time) (*model.Report, bool) {
	r, ok := s.reports[id]
	if !ok {
		return nil, false
	}
	if status != "" {
		r.Status = status
	}
	if notes != nil {
		r.Notes = *notes
	}
	t := now
	r.UpdatedAt = &t
	return r, true
}

// ApplyAdminResponse attaches admin-response fields to an existing report.
func (s *Store) ApplyAdminResponse(id string, resp model.AdminResponse, now time.Time) (*model.Report, bool) {
	r, ok := s.reports[id]
	if !ok {
		return nil, false
	}
	if st := model.StatusForAdminResponse(resp.AdminResponse); st != "" {
		r.Status = st
	}
	if resp.AdminID != "" {
		r.AdminID = resp.AdminID
	}
	if resp.AdminLocation != nil {
		r.AdminLocation = resp.AdminLocation
	}
	if len(resp.RouteCoordinates) > 0 {
		r.RouteCoordinates = resp.RouteCoordinates
	}
	if resp.EstimatedTimeOfArrival != "" {
		r.EstimatedTimeOfArrival = resp.EstimatedTimeOfArrival
	}
	t := now
	r.UpdatedAt = &t
	return r, true
}

func (s *Store) Report(id string) (*model.Report, bool) {
	r, ok := s.reports[id]
	return r, ok
}

// Snapshot returns the full current report set in insertion order. This is
// the payload of initial_reports: there is no incremental catch-up protocol,
// so the snapshot must always be complete.
func (s *Store) Snapshot() []model.Report {
	out := make([]model.Report, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.reports[id])
	}
	return out
}

func (s *Store) Len() int { return len(s.reports) }

// AppendMessage appends m to its report's thread, creating the thread on
// first message. Duplicates by message id are dropped (offline replay can
// deliver the same message twice).
func (s *Store) AppendMessage(m model.ChatMessage) bool {
	ids, ok := s.msgIDs[m.ReportID]
	if !ok {
		ids = make(map[string]struct{})
		s.msgIDs[m.ReportID] = ids
	}
	if _, dup := ids[m.ID]; dup {
		return false
	}
	ids[m.ID] = struct{}{}
	s.messages[m.ReportID] = append(s.messages[m.ReportID], m)
	return true
}

// Messages returns the thread for a report in server-receipt order. The
// returned slice is a copy.
func (s *Store) Messages(reportID string) []model.ChatMessage {
	src := s.messages[reportID]
	out := make([]model.ChatMessage, len(src))
	copy(out, src)
	return out
}
