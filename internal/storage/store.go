package storage

import (
	"context"
	"errors"

	"github.com/disasterwatch/internal/model"
)

// ErrNotFound is returned by GetReport when no record exists for the id.
var ErrNotFound = errors.New("report not found")

// ReportStore — долговременное хранилище отчётов за пределами жизни процесса.
// Реализации: repository.ReportRepository (Postgres), redis.Client (документы
// в Redis), memory.Client (для -dev и тестов). Живое состояние комнат всегда
// в памяти хаба; ReportStore обслуживает REST-слой и write-behind.
type ReportStore interface {
	SaveReport(ctx context.Context, r *model.Report) error
	GetReport(ctx context.Context, id string) (*model.Report, error)
	ListReports(ctx context.Context, limit int) ([]model.Report, error)
	Close() error
}
