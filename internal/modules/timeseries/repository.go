package timeseries

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Repository is a read-only monthly view over ingested measurements for one
// logical dataset. Values for the same month are summed. The repository
// memoises month sums; the memo is flushed when the source path changes.
type Repository struct {
	db         *sql.DB
	kind       Kind
	log        zerolog.Logger

	mu         sync.Mutex
	sourcePath string
	monthSums  map[string]*float64
}

// NewRepository creates a repository bound to one view kind
func NewRepository(db *sql.DB, kind Kind, sourcePath string, log zerolog.Logger) *Repository {
	return &Repository{
		db:         db,
		kind:       kind,
		sourcePath: sourcePath,
		monthSums:  make(map[string]*float64),
		log:        log.With().Str("repo", "timeseries").Str("kind", string(kind)).Logger(),
	}
}

// Kind returns the view kind
func (r *Repository) Kind() Kind {
	return r.kind
}

// SourcePath returns the identity of the underlying dataset
func (r *Repository) SourcePath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sourcePath
}

// SetSourcePath records a new dataset identity. Returns true when the path
// actually changed, in which case the month-sum memo has been flushed and the
// caller must invalidate derived caches.
func (r *Repository) SetSourcePath(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if path == r.sourcePath {
		return false
	}
	r.log.Info().Str("old", r.sourcePath).Str("new", path).Msg("Source path changed, flushing loaded data")
	r.sourcePath = path
	r.monthSums = make(map[string]*float64)
	return true
}

// Value returns the monthly sum for a field, or nil when no measurement
// exists in that calendar month.
func (r *Repository) Value(date time.Time, field string) (*float64, error) {
	return r.monthSum(date, field, nil)
}

// ValueForFacility returns the monthly sum for a field scoped to one facility
func (r *Repository) ValueForFacility(date time.Time, field, facilityCode string) (*float64, error) {
	return r.monthSum(date, field, &facilityCode)
}

// ValueForSource returns the monthly sum for a field scoped to one source
func (r *Repository) ValueForSource(date time.Time, field, sourceCode string) (*float64, error) {
	first, next := monthBounds(date)
	cacheKey := first + "|" + field + "|src:" + sourceCode

	r.mu.Lock()
	if cached, ok := r.monthSums[cacheKey]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	var sum float64
	var count int
	err := r.db.QueryRow(
		`SELECT COALESCE(SUM(value), 0), COUNT(*) FROM measurements
		WHERE kind = ? AND field = ? AND source_code = ? AND date >= ? AND date < ?`,
		string(r.kind), field, sourceCode, first, next,
	).Scan(&sum, &count)
	if err != nil {
		return nil, fmt.Errorf("failed to sum measurements for %s/%s: %w", field, sourceCode, err)
	}

	var result *float64
	if count > 0 {
		result = &sum
	}

	r.mu.Lock()
	r.monthSums[cacheKey] = result
	r.mu.Unlock()
	return result, nil
}

func (r *Repository) monthSum(date time.Time, field string, facilityCode *string) (*float64, error) {
	first, next := monthBounds(date)

	cacheKey := first + "|" + field
	if facilityCode != nil {
		cacheKey += "|" + *facilityCode
	}

	r.mu.Lock()
	if cached, ok := r.monthSums[cacheKey]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	query := `SELECT COALESCE(SUM(value), 0), COUNT(*) FROM measurements
		WHERE kind = ? AND field = ? AND date >= ? AND date < ?`
	args := []interface{}{string(r.kind), field, first, next}
	if facilityCode != nil {
		query += " AND facility_code = ?"
		args = append(args, *facilityCode)
	}

	var sum float64
	var count int
	if err := r.db.QueryRow(query, args...).Scan(&sum, &count); err != nil {
		return nil, fmt.Errorf("failed to sum measurements for %s: %w", field, err)
	}

	var result *float64
	if count > 0 {
		result = &sum
	}

	r.mu.Lock()
	r.monthSums[cacheKey] = result
	r.mu.Unlock()

	return result, nil
}

// LatestDate returns the most recent measurement date in this view
func (r *Repository) LatestDate() (*time.Time, error) {
	var dateStr sql.NullString
	err := r.db.QueryRow(
		"SELECT MAX(date) FROM measurements WHERE kind = ?", string(r.kind),
	).Scan(&dateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest date: %w", err)
	}
	if !dateStr.Valid || dateStr.String == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", dateStr.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse latest date %q: %w", dateStr.String, err)
	}
	return &t, nil
}

// Append inserts a measurement row. Used by the ingestion collaborator and
// by tests; appended rows are immutable.
func (r *Repository) Append(m *Measurement) error {
	query := `INSERT INTO measurements (kind, date, field, source_code, facility_code, value, quality)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	quality := m.Quality
	if quality == "" {
		quality = "ok"
	}
	_, err := r.db.Exec(query, string(r.kind), m.Date, m.Field, m.SourceCode, m.FacilityCode, m.Value, quality)
	if err != nil {
		return fmt.Errorf("failed to append measurement: %w", err)
	}

	// New data makes memoised month sums stale
	r.mu.Lock()
	r.monthSums = make(map[string]*float64)
	r.mu.Unlock()
	return nil
}

func monthBounds(date time.Time) (first, next string) {
	f := time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, time.UTC)
	return f.Format("2006-01-02"), f.AddDate(0, 1, 0).Format("2006-01-02")
}
