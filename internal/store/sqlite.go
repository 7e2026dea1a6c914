package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/cropio/usagegate/internal/errors"
	"github.com/cropio/usagegate/internal/logging"
	"github.com/cropio/usagegate/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists the quota ledger and usage history in SQLite with WAL
// mode. It is safe for concurrent use: counter updates run as single UPDATE
// statements so two requests for the same user cannot lose an increment.
type SQLiteStore struct {
	db     *sql.DB
	logger *logging.Logger
}

// NewSQLiteStore opens (and migrates) a SQLite store at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_pragma=cache_size(2000)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{
		db:     db,
		logger: logging.NewLogger(),
	}, nil
}

// runMigrations runs database migrations
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "create migrations table", Err: err}
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "get current migration version", Err: err}
	}

	migrations := []struct {
		version int
		up      string
	}{
		{
			version: 1,
			up: `
				CREATE TABLE IF NOT EXISTS ledger_entries (
					user_id TEXT NOT NULL,
					date TEXT NOT NULL,
					conversions INTEGER NOT NULL DEFAULT 0,
					bytes_stored INTEGER NOT NULL DEFAULT 0,
					image_count INTEGER NOT NULL DEFAULT 0,
					pdf_count INTEGER NOT NULL DEFAULT 0,
					document_count INTEGER NOT NULL DEFAULT 0,
					video_count INTEGER NOT NULL DEFAULT 0,
					web_count INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (user_id, date)
				);

				CREATE TABLE IF NOT EXISTS usage_records (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					timestamp DATETIME NOT NULL,
					tool TEXT NOT NULL,
					category TEXT NOT NULL,
					source_format TEXT DEFAULT '',
					target_format TEXT DEFAULT '',
					bytes INTEGER NOT NULL DEFAULT 0,
					status TEXT NOT NULL,
					error_message TEXT DEFAULT ''
				);

				CREATE INDEX IF NOT EXISTS idx_ledger_entries_date ON ledger_entries(date);
				CREATE INDEX IF NOT EXISTS idx_usage_records_user_id ON usage_records(user_id);
				CREATE INDEX IF NOT EXISTS idx_usage_records_timestamp ON usage_records(timestamp);
			`,
		},
	}

	tx, err := db.Begin()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "begin transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range migrations {
		if m.version > currentVersion {
			if _, err := tx.Exec(m.up); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "commit migrations", Err: err}
	}

	return nil
}

// categoryColumn maps a tool category to its counter column. Categories are
// a closed enum so the column name never comes from request input.
func categoryColumn(c models.ToolCategory) string {
	switch c {
	case models.CategoryImage:
		return "image_count"
	case models.CategoryPDF:
		return "pdf_count"
	case models.CategoryDocument:
		return "document_count"
	case models.CategoryVideo:
		return "video_count"
	case models.CategoryWeb:
		return "web_count"
	}
	return ""
}

// GetOrCreateEntry returns the ledger entry for (user, date), creating a
// zeroed row on first use. INSERT OR IGNORE keeps creation idempotent under
// concurrent first requests of the day.
func (s *SQLiteStore) GetOrCreateEntry(userID, date string) (*models.LedgerEntry, error) {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO ledger_entries (user_id, date) VALUES (?, ?)
	`, userID, date)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "create ledger entry", Err: err}
	}

	entry, ok := s.EntryFor(userID, date)
	if !ok {
		return nil, &errors.ErrDatabaseQuery{Operation: "read ledger entry after create", Err: sql.ErrNoRows}
	}
	return entry, nil
}

// EntryFor returns the ledger entry for (user, date) without creating it.
func (s *SQLiteStore) EntryFor(userID, date string) (*models.LedgerEntry, bool) {
	var e models.LedgerEntry

	err := s.db.QueryRow(`
		SELECT user_id, date, conversions, bytes_stored, image_count, pdf_count, document_count, video_count, web_count, created_at, updated_at
		FROM ledger_entries WHERE user_id = ? AND date = ?
	`, userID, date).Scan(&e.UserID, &e.Date, &e.Conversions, &e.BytesStored, &e.ImageCount, &e.PDFCount, &e.DocumentCount, &e.VideoCount, &e.WebCount, &e.CreatedAt, &e.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		s.logger.Error("failed to read ledger entry", "user_id", userID, "date", date, "error", err.Error())
		return nil, false
	}

	return &e, true
}

// RecordConversion increments the day's counters and appends the history
// record in one transaction. The increment is a single UPDATE so concurrent
// conversions for the same user never lose updates.
func (s *SQLiteStore) RecordConversion(userID, date string, category models.ToolCategory, bytes int64, rec *models.UsageRecord) error {
	col := categoryColumn(category)

	tx, err := s.db.Begin()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "begin record conversion", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO ledger_entries (user_id, date) VALUES (?, ?)
	`, userID, date); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "ensure ledger entry", Err: err}
	}

	update := `
		UPDATE ledger_entries
		SET conversions = conversions + 1,
		    bytes_stored = bytes_stored + ?,
		    updated_at = ?
		WHERE user_id = ? AND date = ?
	`
	if col != "" {
		update = `
			UPDATE ledger_entries
			SET conversions = conversions + 1,
			    bytes_stored = bytes_stored + ?,
			    ` + col + ` = ` + col + ` + 1,
			    updated_at = ?
			WHERE user_id = ? AND date = ?
		`
	}
	if _, err := tx.Exec(update, bytes, time.Now().UTC(), userID, date); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "increment ledger counters", Err: err}
	}

	if err := insertUsageRecord(tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "commit record conversion", Err: err}
	}

	return nil
}

// AppendUsageRecord appends a history record without touching counters.
func (s *SQLiteStore) AppendUsageRecord(rec *models.UsageRecord) error {
	return insertUsageRecord(s.db, rec)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertUsageRecord(e execer, rec *models.UsageRecord) error {
	_, err := e.Exec(`
		INSERT INTO usage_records (id, user_id, timestamp, tool, category, source_format, target_format, bytes, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.UserID, rec.Timestamp, rec.Tool, string(rec.Category), rec.SourceFormat, rec.TargetFormat, rec.Bytes, string(rec.Status), rec.ErrorMessage)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "insert usage record", Err: err}
	}
	return nil
}

// StorageUsed sums stored bytes across all of the user's ledger entries.
func (s *SQLiteStore) StorageUsed(userID string) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRow(`
		SELECT SUM(bytes_stored) FROM ledger_entries WHERE user_id = ?
	`, userID).Scan(&total)
	if err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "sum storage", Err: err}
	}
	if !total.Valid {
		return 0, nil
	}
	return total.Int64, nil
}

// EntriesSince returns the user's ledger entries with date >= since, newest first.
func (s *SQLiteStore) EntriesSince(userID, since string) ([]*models.LedgerEntry, error) {
	rows, err := s.db.Query(`
		SELECT user_id, date, conversions, bytes_stored, image_count, pdf_count, document_count, video_count, web_count, created_at, updated_at
		FROM ledger_entries WHERE user_id = ? AND date >= ? ORDER BY date DESC
	`, userID, since)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list ledger entries", Err: err}
	}
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.UserID, &e.Date, &e.Conversions, &e.BytesStored, &e.ImageCount, &e.PDFCount, &e.DocumentCount, &e.VideoCount, &e.WebCount, &e.CreatedAt, &e.UpdatedAt); err != nil {
			continue
		}
		entries = append(entries, &e)
	}

	return entries, nil
}

// RecordsSince returns the user's usage records at or after a point in time,
// newest first.
func (s *SQLiteStore) RecordsSince(userID string, since time.Time) ([]*models.UsageRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, timestamp, tool, category, source_format, target_format, bytes, status, error_message
		FROM usage_records WHERE user_id = ? AND timestamp >= ? ORDER BY timestamp DESC
	`, userID, since)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list usage records", Err: err}
	}
	defer rows.Close()

	var records []*models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		var category, status string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Timestamp, &r.Tool, &category, &r.SourceFormat, &r.TargetFormat, &r.Bytes, &status, &r.ErrorMessage); err != nil {
			continue
		}
		r.Category = models.ToolCategory(category)
		r.Status = models.UsageStatus(status)
		records = append(records, &r)
	}

	return records, nil
}

// PurgeOlderThan deletes rows older than the cutoff in batches, so the purge
// never holds a long write transaction against live traffic for "today".
func (s *SQLiteStore) PurgeOlderThan(cutoff time.Time, batchSize int) (PurgeResult, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	cutoffDate := models.DayKey(cutoff)

	var result PurgeResult
	for {
		res, err := s.db.Exec(`
			DELETE FROM ledger_entries WHERE rowid IN (
				SELECT rowid FROM ledger_entries WHERE date < ? LIMIT ?
			)
		`, cutoffDate, batchSize)
		if err != nil {
			return result, &errors.ErrDatabaseQuery{Operation: "purge ledger entries", Err: err}
		}
		n, _ := res.RowsAffected()
		result.LedgerEntries += n
		if n < int64(batchSize) {
			break
		}
	}

	for {
		res, err := s.db.Exec(`
			DELETE FROM usage_records WHERE rowid IN (
				SELECT rowid FROM usage_records WHERE timestamp < ? LIMIT ?
			)
		`, cutoff, batchSize)
		if err != nil {
			return result, &errors.ErrDatabaseQuery{Operation: "purge usage records", Err: err}
		}
		n, _ := res.RowsAffected()
		result.UsageRecords += n
		if n < int64(batchSize) {
			break
		}
	}

	return result, nil
}

// Stats returns row counts for the store.
func (s *SQLiteStore) Stats() StoreStats {
	var entryCount, recordCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM ledger_entries").Scan(&entryCount); err != nil {
		s.logger.Error("failed to count ledger entries", "error", err.Error())
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM usage_records").Scan(&recordCount); err != nil {
		s.logger.Error("failed to count usage records", "error", err.Error())
	}

	return StoreStats{
		LedgerEntryCount: entryCount,
		UsageRecordCount: recordCount,
	}
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure SQLiteStore implements the Store interface
var _ Store = (*SQLiteStore)(nil)
