package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/disasterwatch/internal/logger"
	"github.com/disasterwatch/internal/model"
	"github.com/disasterwatch/internal/storage"
)

// ReportRepository is the relational ReportStore implementation.
type ReportRepository struct {
	pool *pgxpool.Pool
}

func NewReportRepository(pool *pgxpool.Pool) *ReportRepository {
	return &ReportRepository{pool: pool}
}

// Close releases nothing: the pool is owned by main.
func (r *ReportRepository) Close() error { return nil }

// SaveReport upserts by id: a resubmission overwrites the row in place.
func (r *ReportRepository) SaveReport(ctx context.Context, rep *model.Report) error {
	defer logger.DeferLogDuration("reportRepo.SaveReport", time.Now())()

	var lat, lng, adminLat, adminLng *float64
	if rep.Location != nil {
		lat, lng = &rep.Location.Lat, &rep.Location.Lng
	}
	if rep.AdminLocation != nil {
		adminLat, adminLng = &rep.AdminLocation.Lat, &rep.AdminLocation.Lng
	}
	var route []byte
	if len(rep.RouteCoordinates) > 0 {
		var err error
		route, err = json.Marshal(rep.RouteCoordinates)
		if err != nil {
			return fmt.Errorf("reportRepo.SaveReport marshal route: %w", err)
		}
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO reports (id, type, description, lat, lng, address, created_at, user_id, user_name,
		                      severity, status, category, subcategory, icon, notes, updated_at,
		                      admin_id, admin_lat, admin_lng, route_coordinates, eta)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		 ON CONFLICT (id) DO UPDATE SET
		     type = EXCLUDED.type, description = EXCLUDED.description,
		     lat = EXCLUDED.lat, lng = EXCLUDED.lng, address = EXCLUDED.address,
		     user_id = EXCLUDED.user_id, user_name = EXCLUDED.user_name,
		     severity = EXCLUDED.severity, status = EXCLUDED.status,
		     category = EXCLUDED.category, subcategory = EXCLUDED.subcategory,
		     icon = EXCLUDED.icon, notes = EXCLUDED.notes, updated_at = EXCLUDED.updated_at,
		     admin_id = EXCLUDED.admin_id, admin_lat = EXCLUDED.admin_lat,
		     admin_lng = EXCLUDED.admin_lng, route_coordinates = EXCLUDED.route_coordinates,
		     eta = EXCLUDED.eta`,
		rep.ID, rep.Type, rep.Description, lat, lng, rep.Address, rep.Timestamp, rep.UserID, rep.UserName,
		rep.Severity, rep.Status, rep.Category, rep.Subcategory, rep.Icon, rep.Notes, rep.UpdatedAt,
		rep.AdminID, adminLat, adminLng, route, rep.EstimatedTimeOfArrival,
	)
	if err != nil {
		return fmt.Errorf("reportRepo.SaveReport: %w", err)
	}
	return nil
}

func (r *ReportRepository) GetReport(ctx context.Context, id string) (*model.Report, error) {
	defer logger.DeferLogDuration("reportRepo.GetReport", time.Now())()
	row := r.pool.QueryRow(ctx, selectReportColumns+` FROM reports WHERE id = $1`, id)
	rep, err := scanReport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reportRepo.GetReport: %w", err)
	}
	return rep, nil
}

func (r *ReportRepository) ListReports(ctx context.Context, limit int) ([]model.Report, error) {
	defer logger.DeferLogDuration("reportRepo.ListReports", time.Now())()
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, selectReportColumns+` FROM reports ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("reportRepo.ListReports query: %w", err)
	}
	defer rows.Close()

	reports := make([]model.Report, 0, limit)
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("reportRepo.ListReports scan: %w", err)
		}
		reports = append(reports, *rep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reportRepo.ListReports rows: %w", err)
	}
	return reports, nil
}

const selectReportColumns = `SELECT id, type, description, lat, lng, address, created_at, user_id, user_name,
       severity, status, category, subcategory, icon, notes, updated_at,
       admin_id, admin_lat, admin_lng, route_coordinates, eta`

func scanReport(row pgx.Row) (*model.Report, error) {
	var (
		rep                model.Report
		lat, lng           *float64
		adminLat, adminLng *float64
		route              []byte
	)
	err := row.Scan(&rep.ID, &rep.Type, &rep.Description, &lat, &lng, &rep.Address, &rep.Timestamp,
		&rep.UserID, &rep.UserName, &rep.Severity, &rep.Status, &rep.Category, &rep.Subcategory,
		&rep.Icon, &rep.Notes, &rep.UpdatedAt, &rep.AdminID, &adminLat, &adminLng, &route,
		&rep.EstimatedTimeOfArrival)
	if err != nil {
		return nil, err
	}
	if lat != nil && lng != nil {
		rep.Location = &model.LatLng{Lat: *lat, Lng: *lng}
	}
	if adminLat != nil && adminLng != nil {
		rep.AdminLocation = &model.LatLng{Lat: *adminLat, Lng: *adminLng}
	}
	if len(route) > 0 {
		if err := json.Unmarshal(route, &rep.RouteCoordinates); err != nil {
			return nil, fmt.Errorf("unmarshal route coordinates: %w", err)
		}
	}
	return &rep, nil
}
