package state

import (
	"testing"
	"time"

	"github.com/disasterwatch/internal/model"
)

func TestUpsertReportOverwritesInPlace(t *testing.T) {
	s := New()
	first := &model.Report{ID: "r1", Type: "flood", Status: model.StatusPending}
	if created := s.UpsertReport(first); !created {
		t.Fatalf("expected first upsert to create")
	}
	second := &model.Report{ID: "r2", Type: "fire", Status: model.StatusPending}
	s.UpsertReport(second)

	resubmit := &model.Report{ID: "r1", Type: "flood", Description: "rising", Status: model.StatusPending}
	if created := s.UpsertReport(resubmit); created {
		t.Fatalf("expected resubmit to overwrite, not create")
	}

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(snap))
	}
	// Overwrite keeps the original snapshot position.
	if snap[0].ID != "r1" || snap[0].Description != "rising" {
		t.Fatalf("expected updated r1 first, got %+v", snap[0])
	}
}

func TestUpdateReportUnknownIDIsNoOp(t *testing.T) {
	s := New()
	s.UpsertReport(&model.Report{ID: "r1", Status: model.StatusPending})

	if _, ok := s.UpdateReport("ghost", model.StatusApproved, nil, time.Now()); ok {
		t.Fatalf("expected unknown id to be rejected")
	}
	if s.Len() != 1 {
		t.Fatalf("no-op update must not create a record, len=%d", s.Len())
	}
}

func TestUpdateReportMergesNotesAndStampsUpdatedAt(t *testing.T) {
	s := New()
	s.UpsertReport(&model.Report{ID: "r1", Status: model.StatusPending, Notes: "original"})

	now := time.Now().UTC()
	r, ok := s.UpdateReport("r1", model.StatusApproved, nil, now)
	if !ok {
		t.Fatalf("update failed")
	}
	if r.Status != model.StatusApproved {
		t.Fatalf("expected approved, got %s", r.Status)
	}
	if r.Notes != "original" {
		t.Fatalf("nil notes must not clobber existing notes, got %q", r.Notes)
	}
	if r.UpdatedAt == nil || !r.UpdatedAt.Equal(now) {
		t.Fatalf("expected updatedAt %v, got %v", now, r.UpdatedAt)
	}

	notes := "verified on site"
	r, _ = s.UpdateReport("r1", "", &notes, now.Add(time.Minute))
	if r.Notes != notes {
		t.Fatalf("expected notes merged, got %q", r.Notes)
	}
	if r.Status != model.StatusApproved {
		t.Fatalf("empty status must not reset status, got %s", r.Status)
	}
}

func TestApplyAdminResponse(t *testing.T) {
	s := New()
	s.UpsertReport(&model.Report{ID: "r1", Status: model.StatusApproved})

	r, ok := s.ApplyAdminResponse("r1", model.AdminResponse{
		AdminResponse:          "en_route",
		AdminID:                "admin-7",
		AdminLocation:          &model.LatLng{Lat: 1, Lng: 2},
		EstimatedTimeOfArrival: "12 min",
	}, time.Now())
	if !ok {
		t.Fatalf("apply failed")
	}
	if r.Status != model.StatusAdminResponding {
		t.Fatalf("expected admin_responding, got %s", r.Status)
	}
	if r.AdminID != "admin-7" || r.AdminLocation == nil || r.EstimatedTimeOfArrival != "12 min" {
		t.Fatalf("admin fields not applied: %+v", r)
	}

	r, _ = s.ApplyAdminResponse("r1", model.AdminResponse{AdminResponse: "on_site", AdminID: "admin-7"}, time.Now())
	if r.Status != model.StatusAdminOnSite {
		t.Fatalf("expected admin_on_site, got %s", r.Status)
	}
}

func TestAppendMessageOrderAndDedupe(t *testing.T) {
	s := New()
	for _, id := range []string{"m1", "m2", "m3"} {
		if !s.AppendMessage(model.ChatMessage{ID: id, ReportID: "r1", Text: id}) {
			t.Fatalf("append %s rejected", id)
		}
	}
	if s.AppendMessage(model.ChatMessage{ID: "m2", ReportID: "r1", Text: "dup"}) {
		t.Fatalf("duplicate id must be dropped")
	}

	msgs := s.Messages("r1")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].ID != want {
			t.Fatalf("order broken at %d: got %s want %s", i, msgs[i].ID, want)
		}
	}
	if len(s.Messages("other")) != 0 {
		t.Fatalf("unrelated report must have empty thread")
	}
}

func TestMessagesReturnsCopy(t *testing.T) {
	s := New()
	s.AppendMessage(model.ChatMessage{ID: "m1", ReportID: "r1", Text: "hello"})
	msgs := s.Messages("r1")
	msgs[0].Text = "mutated"
	if s.Messages("r1")[0].Text != "hello" {
		t.Fatalf("Messages must return a copy")
	}
}
