package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"autobot-telemetry/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// Database wraps the SQLite connection holding the telemetry log
type Database struct {
	conn *sql.DB
}

// New opens (creating if needed) the database at dbPath
func New(dbPath string) (*Database, error) {
	// Enable WAL mode and other optimizations via connection string
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000", dbPath)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with single writer
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	db := &Database{conn: conn}

	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize creates tables and indexes
func (db *Database) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS telemetry_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL,
		left_ticks INTEGER NOT NULL,
		right_ticks INTEGER NOT NULL,
		left_deg REAL NOT NULL,
		right_deg REAL NOT NULL,
		accel_x REAL NOT NULL,
		accel_y REAL NOT NULL,
		accel_z REAL NOT NULL,
		gyro_x REAL NOT NULL,
		gyro_y REAL NOT NULL,
		gyro_z REAL NOT NULL,
		pitch REAL NOT NULL,
		roll REAL NOT NULL,
		yaw REAL NOT NULL,
		battery_v REAL NOT NULL,
		battery_percent INTEGER NOT NULL,
		esp_tag_id INTEGER NOT NULL,
		esp_yaw REAL NOT NULL,
		esp_pitch REAL NOT NULL,
		esp_roll REAL NOT NULL,
		esp_x REAL NOT NULL,
		esp_y REAL NOT NULL,
		esp_z REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_log_timestamp ON telemetry_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_log_session_timestamp ON telemetry_log(session, timestamp);
	CREATE INDEX IF NOT EXISTS idx_log_tag ON telemetry_log(esp_tag_id) WHERE esp_tag_id != 0;
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

const logColumns = `timestamp, left_ticks, right_ticks, left_deg, right_deg,
	accel_x, accel_y, accel_z, gyro_x, gyro_y, gyro_z,
	pitch, roll, yaw, battery_v, battery_percent,
	esp_tag_id, esp_yaw, esp_pitch, esp_roll, esp_x, esp_y, esp_z`

// InsertRows efficiently inserts a batch of log rows in one transaction
func (db *Database) InsertRows(session string, rows []models.LogRow) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", models.LogRowWidth+1), ", ")
	stmt, err := tx.Prepare(`INSERT INTO telemetry_log (session, ` + logColumns + `) VALUES (` + placeholders + `)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	args := make([]any, models.LogRowWidth+1)
	var count int64
	for _, row := range rows {
		args[0] = session
		copy(args[1:], row[:])
		if _, err := stmt.Exec(args...); err != nil {
			return 0, err
		}
		count++
	}

	return count, tx.Commit()
}

// QueryLog retrieves stored rows based on query parameters, newest first
func (db *Database) QueryLog(q models.LogQuery) ([]models.LogEntry, error) {
	var conditions []string
	var args []interface{}

	baseQuery := `SELECT id, session, ` + logColumns + ` FROM telemetry_log`

	if q.Session != "" {
		conditions = append(conditions, "session = ?")
		args = append(args, q.Session)
	}
	if !q.StartTime.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, q.StartTime.Format(models.TimestampLayout))
	}
	if !q.EndTime.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, q.EndTime.Format(models.TimestampLayout))
	}
	if q.MinTagID > 0 {
		conditions = append(conditions, "esp_tag_id >= ?")
		args = append(args, q.MinTagID)
	}

	if len(conditions) > 0 {
		baseQuery += " WHERE " + strings.Join(conditions, " AND ")
	}

	baseQuery += " ORDER BY timestamp DESC, id DESC"

	if q.Limit > 0 {
		baseQuery += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			baseQuery += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	}

	rows, err := db.conn.Query(baseQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.LogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}

	return results, rows.Err()
}

// GetLatest returns the most recent stored row
func (db *Database) GetLatest() (*models.LogEntry, error) {
	row := db.conn.QueryRow(`SELECT id, session, ` + logColumns + ` FROM telemetry_log ORDER BY id DESC LIMIT 1`)
	e, err := scanEntry(row)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (models.LogEntry, error) {
	var e models.LogEntry
	var ts string
	r := &e.Record
	err := s.Scan(
		&e.ID, &e.Session, &ts,
		&r.Encoders.LeftTicks, &r.Encoders.RightTicks, &r.Encoders.LeftDegrees, &r.Encoders.RightDegrees,
		&r.IMU.Acceleration[0], &r.IMU.Acceleration[1], &r.IMU.Acceleration[2],
		&r.IMU.AngularVelocity[0], &r.IMU.AngularVelocity[1], &r.IMU.AngularVelocity[2],
		&r.IMU.Euler[0], &r.IMU.Euler[1], &r.IMU.Euler[2],
		&r.Battery.Voltage, &r.Battery.Percent,
		&r.Vision.TagID, &r.Vision.Yaw, &r.Vision.Pitch, &r.Vision.Roll,
		&r.Vision.Position[0], &r.Vision.Position[1], &r.Vision.Position[2],
	)
	if err != nil {
		return e, err
	}
	e.Timestamp, _ = time.ParseInLocation(models.TimestampLayout, ts, time.Local)
	return e, nil
}

// GetSummary returns aggregated statistics, optionally for one session
func (db *Database) GetSummary(session string) (*models.LogSummary, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(AVG(battery_v), 0),
			COALESCE(MIN(battery_percent), 0),
			COALESCE(MAX(battery_percent), 0),
			COUNT(DISTINCT NULLIF(esp_tag_id, 0)),
			COALESCE(MAX(left_ticks) - MIN(left_ticks), 0),
			COALESCE(MAX(right_ticks) - MIN(right_ticks), 0),
			COALESCE(MIN(timestamp), ''),
			COALESCE(MAX(timestamp), '')
		FROM telemetry_log
	`
	var args []interface{}
	if session != "" {
		query += " WHERE session = ?"
		args = append(args, session)
	}

	s := models.LogSummary{Session: session}
	err := db.conn.QueryRow(query, args...).Scan(
		&s.TotalRecords, &s.AvgVoltage, &s.MinPercent, &s.MaxPercent,
		&s.DistinctTags, &s.LeftTickSpan, &s.RightTickSpan,
		&s.FirstTimestamp, &s.LastTimestamp,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns the distinct link sessions, most recent first
func (db *Database) ListSessions() ([]string, error) {
	rows, err := db.conn.Query(`SELECT session FROM telemetry_log GROUP BY session ORDER BY MAX(id) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// GetRecordCount returns total stored rows
func (db *Database) GetRecordCount() (int64, error) {
	var count int64
	err := db.conn.QueryRow("SELECT COUNT(*) FROM telemetry_log").Scan(&count)
	return count, err
}

// GetStats returns database statistics
func (db *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var totalRecords int64
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM telemetry_log").Scan(&totalRecords); err != nil {
		return nil, err
	}
	stats["total_log_records"] = totalRecords

	var sessions int64
	db.conn.QueryRow("SELECT COUNT(DISTINCT session) FROM telemetry_log").Scan(&sessions)
	stats["sessions"] = sessions

	var lowBattery int64
	db.conn.QueryRow("SELECT COUNT(*) FROM telemetry_log WHERE battery_percent < 25").Scan(&lowBattery)
	stats["low_battery_records"] = lowBattery

	var tagged int64
	db.conn.QueryRow("SELECT COUNT(*) FROM telemetry_log WHERE esp_tag_id != 0").Scan(&tagged)
	stats["tag_sightings"] = tagged

	return stats, nil
}
