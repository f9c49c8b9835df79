package database

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Timestamps are stored as RFC3339 UTC text so lexicographic comparison and
// substr-based day grouping behave correctly in SQL.
const (
	timestampLayout = time.RFC3339
	dayLayout       = "2006-01-02"
)

type SQLiteDatabase struct {
	db               *sql.DB
	connectionString string
}

func NewSQLiteDatabase(connectionString string) (DatabaseService, error) {
	db, err := openSQLite(connectionString)
	if err != nil {
		return nil, err
	}

	return &SQLiteDatabase{
		db:               db,
		connectionString: connectionString,
	}, nil
}

func openSQLite(connectionString string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", connectionString)
	if err != nil {
		return nil, err
	}
	if strings.Contains(connectionString, ":memory:") {
		// Each pooled connection would otherwise see its own empty in-memory
		// database.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

func (s *SQLiteDatabase) CreateDatabase() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS images (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT NOT NULL,
			image_data TEXT NOT NULL,
			category TEXT NOT NULL,
			subcategory TEXT NOT NULL,
			ai_category TEXT NOT NULL,
			ai_subcategory TEXT NOT NULL,
			confidence REAL NOT NULL,
			token_cost INTEGER NOT NULL,
			image_size INTEGER,
			image_hash TEXT,
			user_id INTEGER,
			created_at TEXT NOT NULL,
			last_accessed TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage_by_day (
			usage_date TEXT PRIMARY KEY,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			total_images INTEGER NOT NULL DEFAULT 0,
			total_size INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			role TEXT NOT NULL
		)`,
	}

	for _, statement := range statements {
		if _, err := s.db.Exec(statement); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteDatabase) DoesDatabaseExist() bool {
	// In SQLite, the database file is created when you connect to it.
	// So we can assume it exists if we can successfully ping the database.
	err := s.db.Ping()
	return err == nil
}

// ensureConnection transparently reopens a dropped connection before use.
func (s *SQLiteDatabase) ensureConnection() error {
	if err := s.db.Ping(); err == nil {
		return nil
	}
	slog.Warn("database connection lost, reopening", "connection_string", s.connectionString)
	_ = s.db.Close()

	db, err := openSQLite(s.connectionString)
	if err != nil {
		return fmt.Errorf("failed to reopen database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to reach reopened database: %w", err)
	}
	s.db = db
	return s.CreateDatabase()
}

func (s *SQLiteDatabase) SaveImage(record *ImageRecord) (int64, error) {
	if err := s.ensureConnection(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.LastAccessed.IsZero() {
		record.LastAccessed = record.CreatedAt
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.Exec(`INSERT INTO images
		(filename, image_data, category, subcategory, ai_category, ai_subcategory,
		 confidence, token_cost, image_size, image_hash, user_id, created_at, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Filename, record.ImageData, record.Category, record.Subcategory,
		record.AICategory, record.AISubcategory, record.Confidence, record.TokenCost,
		record.ImageSize, record.ImageHash, record.UserID,
		record.CreatedAt.Format(timestampLayout), record.LastAccessed.Format(timestampLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to insert image record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted id: %w", err)
	}

	var sizeDelta int64
	if record.ImageSize.Valid {
		sizeDelta = record.ImageSize.Int64
	}
	_, err = tx.Exec(`INSERT INTO usage_by_day (usage_date, total_tokens, total_images, total_size)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(usage_date) DO UPDATE SET
			total_tokens = total_tokens + excluded.total_tokens,
			total_images = total_images + 1,
			total_size = total_size + excluded.total_size`,
		record.CreatedAt.Format(dayLayout), record.TokenCost, sizeDelta)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert daily usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit image record: %w", err)
	}

	record.ID = id
	return id, nil
}

func (s *SQLiteDatabase) UpdateCategorization(id int64, category, subcategory string) error {
	if err := s.ensureConnection(); err != nil {
		return err
	}
	// A missing id is a silent no-op; only the user-assigned labels change.
	_, err := s.db.Exec("UPDATE images SET category = ?, subcategory = ? WHERE id = ?",
		category, subcategory, id)
	return err
}

const imageColumns = `id, filename, image_data, category, subcategory, ai_category,
	ai_subcategory, confidence, token_cost, image_size, image_hash, user_id,
	created_at, last_accessed`

func (s *SQLiteDatabase) GetAllImages() ([]*ImageRecord, error) {
	if err := s.ensureConnection(); err != nil {
		return nil, err
	}

	rows, err := s.db.Query("SELECT " + imageColumns + " FROM images ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close() // Explicitly ignore error as we're already returning an error from the function
	}()

	var records []*ImageRecord
	for rows.Next() {
		record, err := scanImageRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *SQLiteDatabase) GetImageByID(id int64) (*ImageRecord, error) {
	if err := s.ensureConnection(); err != nil {
		return nil, err
	}

	row := s.db.QueryRow("SELECT "+imageColumns+" FROM images WHERE id = ?", id)
	record, err := scanImageRecord(row)
	if err != nil {
		return nil, err
	}

	// Touch last_accessed so freshly displayed records rank late for eviction.
	now := time.Now().UTC()
	if _, err := s.db.Exec("UPDATE images SET last_accessed = ? WHERE id = ?",
		now.Format(timestampLayout), id); err != nil {
		return nil, fmt.Errorf("failed to touch record %d: %w", id, err)
	}
	record.LastAccessed = now
	return record, nil
}

func (s *SQLiteDatabase) DeleteImage(id int64) error {
	if err := s.ensureConnection(); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM images WHERE id = ?", id)
	return err
}

func (s *SQLiteDatabase) ListContentHashes() ([]string, error) {
	if err := s.ensureConnection(); err != nil {
		return nil, err
	}

	rows, err := s.db.Query("SELECT image_hash FROM images WHERE image_hash IS NOT NULL AND image_hash != ''")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	return hashes, rows.Err()
}

func (s *SQLiteDatabase) EvictIfOverBudget(maxAgeDays, sizeBudgetMB int) (int, error) {
	if err := s.ensureConnection(); err != nil {
		return 0, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin eviction transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deleted := 0

	// Phase one: drop everything older than the age cutoff.
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	result, err := tx.Exec("DELETE FROM images WHERE created_at < ?", cutoff.Format(timestampLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to evict by age: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil {
		deleted += int(affected)
	}

	// Phase two: if payload bytes still exceed the budget, drop the least
	// recently accessed half of the remainder. Records without a tracked
	// size do not count toward the total.
	var totalSize int64
	if err := tx.QueryRow("SELECT COALESCE(SUM(image_size), 0) FROM images").Scan(&totalSize); err != nil {
		return 0, fmt.Errorf("failed to compute stored size: %w", err)
	}
	budgetBytes := int64(sizeBudgetMB) * 1024 * 1024
	if totalSize > budgetBytes {
		var remaining int64
		if err := tx.QueryRow("SELECT COUNT(*) FROM images").Scan(&remaining); err != nil {
			return 0, fmt.Errorf("failed to count remaining records: %w", err)
		}
		result, err := tx.Exec(`DELETE FROM images WHERE id IN (
			SELECT id FROM images ORDER BY last_accessed ASC LIMIT ?)`, remaining/2)
		if err != nil {
			return 0, fmt.Errorf("failed to evict by size: %w", err)
		}
		if affected, err := result.RowsAffected(); err == nil {
			deleted += int(affected)
		}
	}

	// Orphan cleanup: usage rows for past days no record references anymore.
	// Historic aggregates for days that still hold records are left as-is.
	today := time.Now().UTC().Format(dayLayout)
	if _, err := tx.Exec(`DELETE FROM usage_by_day WHERE usage_date < ?
		AND usage_date NOT IN (SELECT DISTINCT substr(created_at, 1, 10) FROM images)`, today); err != nil {
		return 0, fmt.Errorf("failed to clean orphaned usage rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit eviction: %w", err)
	}

	if deleted > 0 {
		slog.Info("evicted image records", "count", deleted,
			"max_age_days", maxAgeDays, "size_budget_mb", sizeBudgetMB)
	}
	return deleted, nil
}

func (s *SQLiteDatabase) CountImages() (int64, error) {
	if err := s.ensureConnection(); err != nil {
		return 0, err
	}
	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM images").Scan(&count)
	return count, err
}

func (s *SQLiteDatabase) CountMatchingPredictions() (int64, error) {
	if err := s.ensureConnection(); err != nil {
		return 0, err
	}
	var count int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM images
		WHERE category = ai_category AND subcategory = ai_subcategory`).Scan(&count)
	return count, err
}

func (s *SQLiteDatabase) CategoryCounts() ([]*CategoryCount, error) {
	if err := s.ensureConnection(); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT category, COUNT(*) as count FROM images
		GROUP BY category ORDER BY count DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var counts []*CategoryCount
	for rows.Next() {
		var count CategoryCount
		if err := rows.Scan(&count.Category, &count.Count); err != nil {
			return nil, err
		}
		counts = append(counts, &count)
	}
	return counts, rows.Err()
}

func (s *SQLiteDatabase) DailyAccuracy() ([]*DailyAccuracy, error) {
	if err := s.ensureConnection(); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT substr(created_at, 1, 10) as day,
		COUNT(*),
		SUM(CASE WHEN category = ai_category AND subcategory = ai_subcategory THEN 1 ELSE 0 END)
		FROM images GROUP BY day ORDER BY day`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var days []*DailyAccuracy
	for rows.Next() {
		var day DailyAccuracy
		if err := rows.Scan(&day.Date, &day.Total, &day.Matches); err != nil {
			return nil, err
		}
		days = append(days, &day)
	}
	return days, rows.Err()
}

func (s *SQLiteDatabase) LabelPairCounts() ([]*LabelPairCount, error) {
	if err := s.ensureConnection(); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT category, ai_category, COUNT(*) FROM images
		GROUP BY category, ai_category`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var pairs []*LabelPairCount
	for rows.Next() {
		var pair LabelPairCount
		if err := rows.Scan(&pair.Actual, &pair.Predicted, &pair.Count); err != nil {
			return nil, err
		}
		pairs = append(pairs, &pair)
	}
	return pairs, rows.Err()
}

func (s *SQLiteDatabase) UsageByDay() ([]*DailyUsage, error) {
	if err := s.ensureConnection(); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT usage_date, total_tokens, total_images, total_size
		FROM usage_by_day ORDER BY usage_date`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var usage []*DailyUsage
	for rows.Next() {
		var day DailyUsage
		if err := rows.Scan(&day.Date, &day.TotalTokens, &day.TotalImages, &day.TotalSize); err != nil {
			return nil, err
		}
		usage = append(usage, &day)
	}
	return usage, rows.Err()
}

func (s *SQLiteDatabase) CreateUser(username, passwordHash, role string) (int64, error) {
	if err := s.ensureConnection(); err != nil {
		return 0, err
	}

	result, err := s.db.Exec("INSERT INTO users (username, password, role) VALUES (?, ?, ?)",
		username, passwordHash, role)
	if err != nil {
		return 0, fmt.Errorf("failed to insert user: %w", err)
	}
	return result.LastInsertId()
}

func (s *SQLiteDatabase) GetUserByUsername(username string) (*User, error) {
	if err := s.ensureConnection(); err != nil {
		return nil, err
	}

	row := s.db.QueryRow("SELECT id, username, password, role FROM users WHERE username = ?", username)
	var user User
	if err := row.Scan(&user.ID, &user.Username, &user.Password, &user.Role); err != nil {
		return nil, err
	}
	return &user, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanImageRecord(row scanner) (*ImageRecord, error) {
	var record ImageRecord
	var createdAt, lastAccessed string
	if err := row.Scan(&record.ID, &record.Filename, &record.ImageData,
		&record.Category, &record.Subcategory, &record.AICategory, &record.AISubcategory,
		&record.Confidence, &record.TokenCost, &record.ImageSize, &record.ImageHash,
		&record.UserID, &createdAt, &lastAccessed); err != nil {
		return nil, err
	}

	var err error
	if record.CreatedAt, err = time.Parse(timestampLayout, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at %q: %w", createdAt, err)
	}
	if record.LastAccessed, err = time.Parse(timestampLayout, lastAccessed); err != nil {
		return nil, fmt.Errorf("failed to parse last_accessed %q: %w", lastAccessed, err)
	}
	return &record, nil
}
