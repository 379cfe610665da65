package transfers

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Repository handles pump transfer event persistence
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new transfer event repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "transfers").Logger(),
	}
}

// Exists reports whether an event row already exists for the triple
func (r *Repository) Exists(calcDate, sourceCode, destCode string) (bool, error) {
	var count int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM pump_transfer_events WHERE calc_date = ? AND source_code = ? AND dest_code = ?",
		calcDate, sourceCode, destCode,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check transfer event: %w", err)
	}
	return count > 0, nil
}

// GetByDate returns every event applied for a calc date
func (r *Repository) GetByDate(calcDate string) ([]Event, error) {
	rows, err := r.db.Query(`
		SELECT event_id, event_uuid, calc_date, source_code, dest_code, volume_m3,
			source_pct_before, source_pct_after, dest_pct_before, dest_pct_after,
			applied_at, applied_by
		FROM pump_transfer_events WHERE calc_date = ? ORDER BY event_id`, calcDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var appliedAt string
		if err := rows.Scan(
			&e.ID, &e.UUID, &e.CalcDate, &e.SourceCode, &e.DestCode, &e.VolumeM3,
			&e.SrcPctBefore, &e.SrcPctAfter, &e.DstPctBefore, &e.DstPctAfter,
			&appliedAt, &e.AppliedBy,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transfer event: %w", err)
		}
		if t, err := time.Parse("2006-01-02 15:04:05", appliedAt); err == nil {
			e.AppliedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountSince returns the number of events applied on or after a date,
// used by the monthly usage report
func (r *Repository) CountSince(calcDate string) (int, error) {
	var count int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM pump_transfer_events WHERE calc_date >= ?", calcDate,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transfer events: %w", err)
	}
	return count, nil
}
