package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/disasterwatch/internal/model"
	"github.com/disasterwatch/internal/storage"
)

const (
	reportKeyPrefix = "report:"
	reportIndexKey  = "reports:by_time"
)

// Client хранит отчёты как JSON-документы: report:{id} + отсортированный
// индекс по времени создания для выборки списка.
type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// SaveReport записывает документ целиком (last-write-wins по условию задачи).
func (c *Client) SaveReport(ctx context.Context, r *model.Report) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redis marshal report %s: %w", r.ID, err)
	}
	pipe := c.cli.TxPipeline()
	pipe.Set(ctx, reportKeyPrefix+r.ID, doc, 0)
	pipe.ZAdd(ctx, reportIndexKey, redis.Z{
		Score:  float64(r.Timestamp.UnixMilli()),
		Member: r.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save report %s: %w", r.ID, err)
	}
	return nil
}

func (c *Client) GetReport(ctx context.Context, id string) (*model.Report, error) {
	doc, err := c.cli.Get(ctx, reportKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get report %s: %w", id, err)
	}
	var r model.Report
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("redis unmarshal report %s: %w", id, err)
	}
	return &r, nil
}

// ListReports возвращает свежие отчёты (по времени создания, новые первыми).
func (c *Client) ListReports(ctx context.Context, limit int) ([]model.Report, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := c.cli.ZRevRange(ctx, reportIndexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list report ids: %w", err)
	}
	reports := make([]model.Report, 0, len(ids))
	for _, id := range ids {
		r, err := c.GetReport(ctx, id)
		if err == storage.ErrNotFound {
			// Индекс может опережать удаление документа; пропускаем.
			continue
		}
		if err != nil {
			return nil, err
		}
		reports = append(reports, *r)
	}
	return reports, nil
}
