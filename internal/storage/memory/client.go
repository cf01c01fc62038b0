package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/disasterwatch/internal/model"
	"github.com/disasterwatch/internal/storage"
)

// Client is the in-memory ReportStore used by -dev mode and tests.
type Client struct {
	mu      sync.RWMutex
	reports map[string]model.Report
}

func New() *Client {
	return &Client{reports: make(map[string]model.Report)}
}

func (c *Client) Close() error { return nil }

func (c *Client) SaveReport(ctx context.Context, r *model.Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports[r.ID] = *r
	return nil
}

func (c *Client) GetReport(ctx context.Context, id string) (*model.Report, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.reports[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &r, nil
}

func (c *Client) ListReports(ctx context.Context, limit int) ([]model.Report, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Report, 0, len(c.reports))
	for _, r := range c.reports {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
