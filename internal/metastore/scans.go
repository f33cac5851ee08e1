package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	errs "github.com/pointsink/pointsink/internal/errors"
	"github.com/pointsink/pointsink/internal/types"
)

// =============================================================================
// Scan Operations
// =============================================================================

// InsertScan records one stored scan and updates its session aggregate, all
// in a single transaction. Either the scan row, the session row (created on
// first scan) and the counter update all land, or none do.
//
// A scan_id that already exists returns an error wrapping ErrDuplicateScan
// and leaves the database untouched.
func (s *Store) InsertScan(ctx context.Context, md *types.ScanMetadata) error {
	return s.TransactionContext(ctx, func(tx *sql.Tx) error {
		var existing int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM scans WHERE scan_id = ?`, md.ScanID,
		).Scan(&existing)
		if err != nil {
			return fmt.Errorf("check duplicate: %w", err)
		}
		if existing > 0 {
			return fmt.Errorf("scan %s: %w", md.ScanID, errs.ErrDuplicateScan)
		}

		// Create the session on its first scan; counters start at zero and
		// are bumped by the update below so both paths share one code path.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (session_id, device_id, start_time, end_time, scan_count, total_points, total_size_bytes)
			VALUES (?, ?, ?, ?, 0, 0, 0)
			ON CONFLICT (session_id) DO NOTHING`,
			md.SessionID, md.DeviceID, md.TimestampMs, md.TimestampMs,
		)
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO scans (scan_id, session_id, device_id, timestamp_ms, blob_path, size_bytes, point_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			md.ScanID, md.SessionID, md.DeviceID, md.TimestampMs,
			md.BlobPath, md.SizeBytes, md.PointCount, md.CreatedAtMs,
		)
		if err != nil {
			return fmt.Errorf("insert scan: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE sessions SET
				scan_count       = scan_count + 1,
				total_points     = total_points + ?,
				total_size_bytes = total_size_bytes + ?,
				start_time       = CASE WHEN ? < start_time THEN ? ELSE start_time END,
				end_time         = CASE WHEN ? > end_time THEN ? ELSE end_time END
			WHERE session_id = ?`,
			md.PointCount, md.SizeBytes,
			md.TimestampMs, md.TimestampMs,
			md.TimestampMs, md.TimestampMs,
			md.SessionID,
		)
		if err != nil {
			return fmt.Errorf("update session counters: %w", err)
		}

		return nil
	})
}

const scanColumns = `scan_id, session_id, device_id, timestamp_ms, blob_path, size_bytes, point_count, created_at`

func scanRow(rows *sql.Rows) (types.ScanMetadata, error) {
	var md types.ScanMetadata
	err := rows.Scan(&md.ScanID, &md.SessionID, &md.DeviceID, &md.TimestampMs,
		&md.BlobPath, &md.SizeBytes, &md.PointCount, &md.CreatedAtMs)
	return md, err
}

// GetScan returns one scan's metadata by id.
func (s *Store) GetScan(ctx context.Context, scanID string) (*types.ScanMetadata, error) {
	var md types.ScanMetadata
	err := s.db.QueryRowContext(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE scan_id = ?`, scanID,
	).Scan(&md.ScanID, &md.SessionID, &md.DeviceID, &md.TimestampMs,
		&md.BlobPath, &md.SizeBytes, &md.PointCount, &md.CreatedAtMs)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("scan %s: %w", scanID, errs.ErrScanNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get scan: %w", err)
	}
	return &md, nil
}

// GetScansBySession returns all scans in a session ordered by capture time.
func (s *Store) GetScansBySession(ctx context.Context, sessionID string) ([]types.ScanMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE session_id = ? ORDER BY timestamp_ms`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session scans: %w", err)
	}
	defer rows.Close()
	return collectScans(rows)
}

// GetScansByTimeRange returns scans with startMs <= timestamp_ms < endMs,
// ordered by capture time.
func (s *Store) GetScansByTimeRange(ctx context.Context, startMs, endMs int64) ([]types.ScanMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE timestamp_ms >= ? AND timestamp_ms < ? ORDER BY timestamp_ms`,
		startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("query scans by range: %w", err)
	}
	defer rows.Close()
	return collectScans(rows)
}

func collectScans(rows *sql.Rows) ([]types.ScanMetadata, error) {
	var result []types.ScanMetadata
	for rows.Next() {
		md, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		result = append(result, md)
	}
	return result, rows.Err()
}

// DeleteOlderThan removes scan rows with timestamp_ms strictly before
// cutoffMs and returns the number removed. Session rows are never touched:
// aggregates keep describing everything the session ever contained, which
// leaves them stale relative to the surviving scan rows after a sweep.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoffMs int64) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM scans WHERE timestamp_ms < ?`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("delete old scans: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return deleted, nil
}

// =============================================================================
// Session Operations
// =============================================================================

// GetSession returns one session aggregate by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*types.SessionAggregate, error) {
	var agg types.SessionAggregate
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, device_id, start_time, end_time, scan_count, total_points, total_size_bytes
		FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&agg.SessionID, &agg.DeviceID, &agg.StartTimeMs, &agg.EndTimeMs,
		&agg.ScanCount, &agg.TotalPoints, &agg.TotalSizeBytes)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", sessionID, errs.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &agg, nil
}

// ListSessions returns all sessions ordered by start time, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]types.SessionAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, device_id, start_time, end_time, scan_count, total_points, total_size_bytes
		FROM sessions ORDER BY start_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []types.SessionAggregate
	for rows.Next() {
		var agg types.SessionAggregate
		if err := rows.Scan(&agg.SessionID, &agg.DeviceID, &agg.StartTimeMs, &agg.EndTimeMs,
			&agg.ScanCount, &agg.TotalPoints, &agg.TotalSizeBytes); err != nil {
			return nil, fmt.Errorf("session row: %w", err)
		}
		result = append(result, agg)
	}
	return result, rows.Err()
}

// =============================================================================
// Statistics
// =============================================================================

// StoreStats holds aggregate metastore counters.
type StoreStats struct {
	Sessions       int64 `json:"sessions"`
	Scans          int64 `json:"scans"`
	TotalPoints    int64 `json:"totalPoints"`
	TotalSizeBytes int64 `json:"totalSizeBytes"`
	OldestScanMs   int64 `json:"oldestScanMs"`
	NewestScanMs   int64 `json:"newestScanMs"`
	CollectedAt    int64 `json:"collectedAt"`
}

// Stats returns aggregate counters over the scans and sessions tables.
func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	var st StoreStats
	st.CollectedAt = time.Now().UnixMilli()

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(point_count), 0),
		       COALESCE(SUM(size_bytes), 0),
		       COALESCE(MIN(timestamp_ms), 0),
		       COALESCE(MAX(timestamp_ms), 0)
		FROM scans`,
	).Scan(&st.Scans, &st.TotalPoints, &st.TotalSizeBytes, &st.OldestScanMs, &st.NewestScanMs)
	if err != nil {
		return st, fmt.Errorf("scan stats: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&st.Sessions)
	if err != nil {
		return st, fmt.Errorf("session stats: %w", err)
	}

	return st, nil
}
