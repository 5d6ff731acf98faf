package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SyncMetric is one recorded sync run.
type SyncMetric struct {
	ID            int64
	AccountID     int64
	Provider      string
	SyncType      string // "initial" or "delta"
	EmailsAdded   int
	EmailsDeleted int
	LabelsChanged int
	Duration      time.Duration
	Success       bool
	Error         string
	SyncedAt      time.Time
}

// metricsRetained caps sync_metrics rows per account; older rows are
// pruned on every append.
const metricsRetained = 1000

// AppendSyncMetric records a sync run and prunes the account's history
// beyond the retention cap in the same transaction.
func (s *Store) AppendSyncMetric(m *SyncMetric) error {
	return s.withTx(func(tx *sql.Tx) error {
		result, err := tx.Exec(`
			INSERT INTO sync_metrics (
				account_id, provider, sync_type,
				emails_added, emails_deleted, labels_changed,
				duration_ms, success, error, synced_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.AccountID, m.Provider, m.SyncType,
			m.EmailsAdded, m.EmailsDeleted, m.LabelsChanged,
			m.Duration.Milliseconds(), boolInt(m.Success), m.Error, nowUTC())
		if err != nil {
			return fmt.Errorf("insert sync metric: %w", err)
		}
		m.ID, _ = result.LastInsertId()

		_, err = tx.Exec(`
			DELETE FROM sync_metrics
			WHERE account_id = ? AND id NOT IN (
				SELECT id FROM sync_metrics
				WHERE account_id = ?
				ORDER BY synced_at DESC, id DESC
				LIMIT ?
			)
		`, m.AccountID, m.AccountID, metricsRetained)
		return err
	})
}

func scanMetric(row interface{ Scan(...any) error }) (*SyncMetric, error) {
	var m SyncMetric
	var durationMS int64
	var success int
	var syncedAt string
	err := row.Scan(
		&m.ID, &m.AccountID, &m.Provider, &m.SyncType,
		&m.EmailsAdded, &m.EmailsDeleted, &m.LabelsChanged,
		&durationMS, &success, &m.Error, &syncedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Duration = time.Duration(durationMS) * time.Millisecond
	m.Success = success != 0
	m.SyncedAt = parseTime(syncedAt)
	return &m, nil
}

// ListSyncMetrics returns recent sync runs for an account, newest first.
// A zero accountID returns runs for every account.
func (s *Store) ListSyncMetrics(accountID int64, limit int) ([]*SyncMetric, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, account_id, provider, sync_type,
			emails_added, emails_deleted, labels_changed,
			duration_ms, success, error, synced_at
		FROM sync_metrics`
	var args []any
	if accountID != 0 {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY synced_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync metrics: %w", err)
	}
	defer rows.Close()

	var metrics []*SyncMetric
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// SyncSummary aggregates an account's recorded sync history.
type SyncSummary struct {
	AccountID     int64
	Runs          int64
	Failures      int64
	EmailsAdded   int64
	EmailsDeleted int64
	LastSyncedAt  time.Time
	LastError     string
}

// GetSyncSummary aggregates the retained metrics for one account.
func (s *Store) GetSyncSummary(accountID int64) (*SyncSummary, error) {
	sum := &SyncSummary{AccountID: accountID}
	var lastSynced sql.NullString
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(emails_added), 0),
			COALESCE(SUM(emails_deleted), 0),
			MAX(synced_at)
		FROM sync_metrics WHERE account_id = ?
	`, accountID).Scan(&sum.Runs, &sum.Failures, &sum.EmailsAdded, &sum.EmailsDeleted, &lastSynced)
	if err != nil {
		return nil, fmt.Errorf("sync summary: %w", err)
	}
	sum.LastSyncedAt = parseTime(lastSynced.String)

	err = s.db.QueryRow(`
		SELECT error FROM sync_metrics
		WHERE account_id = ? AND success = 0
		ORDER BY synced_at DESC, id DESC LIMIT 1
	`, accountID).Scan(&sum.LastError)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	return sum, nil
}
