package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/disasterwatch/internal/model"
	"github.com/disasterwatch/internal/storage"
)

func TestSaveOverwritesByID(t *testing.T) {
	ctx := context.Background()
	c := New()

	if err := c.SaveReport(ctx, &model.Report{ID: "r1", Type: "flood"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := c.SaveReport(ctx, &model.Report{ID: "r1", Type: "flood", Notes: "updated"}); err != nil {
		t.Fatalf("resave: %v", err)
	}

	r, err := c.GetReport(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.Notes != "updated" {
		t.Fatalf("expected overwrite, got %q", r.Notes)
	}
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	c := New()
	if _, err := c.GetReport(context.Background(), "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListNewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	c := New()
	base := time.Now().UTC()
	for i, id := range []string{"old", "mid", "new"} {
		c.SaveReport(ctx, &model.Report{ID: id, Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}

	out, err := c.ListReports(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 2 || out[0].ID != "new" || out[1].ID != "mid" {
		t.Fatalf("expected newest first limited to 2, got %+v", out)
	}
}
