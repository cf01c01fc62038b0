package client

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disasterwatch/internal/model"
)

func TestStagingWorksBeforeStart(t *testing.T) {
	ctx := context.Background()
	c := New(Config{
		Endpoint:      "http://127.0.0.1:0",
		UseLocalStore: true,
		OfflineDBPath: filepath.Join(t.TempDir(), "offline.db"),
	})
	defer c.Stop()

	// No Start yet: the offline store must already be usable.
	rec, err := c.SubmitReport(ctx, model.Report{Type: "flood", Description: "bridge out"})
	if err != nil {
		t.Fatalf("submit before start: %v", err)
	}
	if rec == nil || !strings.HasPrefix(rec.OfflineID, model.OfflineIDPrefix) {
		t.Fatalf("expected a staged record, got %+v", rec)
	}

	msg, err := c.SendChatMessage(ctx, model.ChatMessage{ReportID: "r1", Text: "need boats"})
	if err != nil {
		t.Fatalf("chat before start: %v", err)
	}
	if msg == nil || !strings.HasPrefix(msg.OfflineID, model.OfflineIDPrefix) {
		t.Fatalf("expected a staged message, got %+v", msg)
	}

	if got := c.Offline().UnsyncedReports(ctx); len(got) != 1 {
		t.Fatalf("expected 1 staged report, got %d", len(got))
	}
	if got := c.Offline().UnsyncedMessages(ctx); len(got) != 1 {
		t.Fatalf("expected 1 staged message, got %d", len(got))
	}
}
