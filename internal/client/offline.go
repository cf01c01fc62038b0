package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register sqlite driver

	"github.com/disasterwatch/internal/logger"
	"github.com/disasterwatch/internal/model"
)

// OfflineStore stages reports and chat messages in a local sqlite database
// while the client is offline. It is deliberately failure-proof: if the
// database cannot be opened or written, writes still return an in-memory
// record (with its offline_ id) and reads return empty. Capturing the
// operator's input always wins over durability.
type OfflineStore struct {
	db     *sql.DB
	online atomic.Bool
}

// OpenOfflineStore opens (and migrates) the staging database at path. A nil
// error is returned even when the database is unusable.
func OpenOfflineStore(ctx context.Context, path string) *OfflineStore {
	s := &OfflineStore{}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		logger.Errorf("offline store unavailable (%s): %v", path, err)
		return s
	}
	if err := db.PingContext(ctx); err != nil {
		logger.Errorf("offline store unavailable (%s): %v", path, err)
		db.Close()
		return s
	}
	for _, pragma := range []string{`PRAGMA journal_mode = WAL;`, `PRAGMA foreign_keys = ON;`} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			logger.Errorf("offline store pragma: %v", err)
			db.Close()
			return s
		}
	}
	if err := migrateOffline(ctx, db); err != nil {
		logger.Errorf("offline store migrate: %v", err)
		db.Close()
		return s
	}
	s.db = db
	return s
}

func migrateOffline(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS offline_reports(
			offline_id TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			synced     INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS offline_messages(
			offline_id TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			synced     INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return fmt.Errorf("create offline tables: %w", err)
	}
	return nil
}

func (s *OfflineStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetOnline flips the connectivity signal consulted by the submission paths.
func (s *OfflineStore) SetOnline(online bool) { s.online.Store(online) }

func (s *OfflineStore) IsOnline() bool { return s.online.Load() }

// StoreOfflineReport stages a report locally and returns the record. It never
// fails: a storage error is logged and the caller still gets the in-memory
// record so the UI can show the pending submission.
func (s *OfflineStore) StoreOfflineReport(ctx context.Context, r model.Report) model.OfflineReport {
	rec := model.OfflineReport{
		OfflineID: model.OfflineIDPrefix + uuid.New().String(),
		Report:    r,
		CreatedAt: time.Now().UTC(),
	}
	rec.Report.ID = rec.OfflineID
	s.insert(ctx, "offline_reports", rec.OfflineID, rec.Report, rec.CreatedAt)
	return rec
}

// StoreOfflineMessage stages a chat message the same way.
func (s *OfflineStore) StoreOfflineMessage(ctx context.Context, m model.ChatMessage) model.OfflineMessage {
	rec := model.OfflineMessage{
		OfflineID: model.OfflineIDPrefix + uuid.New().String(),
		Message:   m,
		CreatedAt: time.Now().UTC(),
	}
	rec.Message.ID = rec.OfflineID
	s.insert(ctx, "offline_messages", rec.OfflineID, rec.Message, rec.CreatedAt)
	return rec
}

func (s *OfflineStore) insert(ctx context.Context, table, offlineID string, payload any, createdAt time.Time) {
	if s.db == nil {
		logger.Errorf("offline store missing, %s record %s kept in memory only", table, offlineID)
		return
	}
	doc, err := json.Marshal(payload)
	if err != nil {
		logger.Errorf("offline store marshal %s: %v", offlineID, err)
		return
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+table+`(offline_id, payload, created_at, synced) VALUES(?, ?, ?, 0)`,
		offlineID, string(doc), createdAt.UnixMilli())
	if err != nil {
		logger.Errorf("offline store insert %s: %v", offlineID, err)
	}
}

// UnsyncedReports returns staged reports not yet confirmed by the server,
// oldest first. Without storage it returns empty.
func (s *OfflineStore) UnsyncedReports(ctx context.Context) []model.OfflineReport {
	out := []model.OfflineReport{}
	s.scanUnsynced(ctx, "offline_reports", func(offlineID string, payload []byte, createdAt time.Time) {
		var r model.Report
		if err := json.Unmarshal(payload, &r); err != nil {
			logger.Errorf("offline store decode report %s: %v", offlineID, err)
			return
		}
		out = append(out, model.OfflineReport{OfflineID: offlineID, Report: r, CreatedAt: createdAt})
	})
	return out
}

// UnsyncedMessages returns staged chat messages not yet confirmed, oldest first.
func (s *OfflineStore) UnsyncedMessages(ctx context.Context) []model.OfflineMessage {
	out := []model.OfflineMessage{}
	s.scanUnsynced(ctx, "offline_messages", func(offlineID string, payload []byte, createdAt time.Time) {
		var m model.ChatMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			logger.Errorf("offline store decode message %s: %v", offlineID, err)
			return
		}
		out = append(out, model.OfflineMessage{OfflineID: offlineID, Message: m, CreatedAt: createdAt})
	})
	return out
}

func (s *OfflineStore) scanUnsynced(ctx context.Context, table string, visit func(string, []byte, time.Time)) {
	if s.db == nil {
		return
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT offline_id, payload, created_at FROM `+table+` WHERE synced = 0 ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		logger.Errorf("offline store list %s: %v", table, err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var (
			offlineID string
			payload   string
			createdMs int64
		)
		if err := rows.Scan(&offlineID, &payload, &createdMs); err != nil {
			logger.Errorf("offline store scan %s: %v", table, err)
			return
		}
		visit(offlineID, []byte(payload), time.UnixMilli(createdMs).UTC())
	}
	if err := rows.Err(); err != nil {
		logger.Errorf("offline store iterate %s: %v", table, err)
	}
}

// MarkReportSynced flags a staged report as server-confirmed. Idempotent;
// unknown ids are a no-op.
func (s *OfflineStore) MarkReportSynced(ctx context.Context, offlineID string) {
	s.markSynced(ctx, "offline_reports", offlineID)
}

func (s *OfflineStore) MarkMessageSynced(ctx context.Context, offlineID string) {
	s.markSynced(ctx, "offline_messages", offlineID)
}

func (s *OfflineStore) markSynced(ctx context.Context, table, offlineID string) {
	if s.db == nil {
		return
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET synced = 1 WHERE offline_id = ?`, offlineID); err != nil {
		logger.Errorf("offline store mark synced %s: %v", offlineID, err)
	}
}

// CleanupSynced deletes confirmed records. Called only after the server has
// acknowledged them; unsynced rows are never touched.
func (s *OfflineStore) CleanupSynced(ctx context.Context) {
	if s.db == nil {
		return
	}
	for _, table := range []string{"offline_reports", "offline_messages"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE synced = 1`); err != nil {
			logger.Errorf("offline store cleanup %s: %v", table, err)
		}
	}
}
