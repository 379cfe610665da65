package balance

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/caliphsdev/waterbalance/internal/events"
	"github.com/caliphsdev/waterbalance/internal/modules/cache"
	"github.com/caliphsdev/waterbalance/internal/modules/facilities"
)

// Repository persists balance records. Saving is an atomic replace of any
// prior record for the same (calc_date, calc_type): facility opening volumes
// are restored from the prior snapshot before the prior record is deleted,
// and every volume write is rolled back if the sequence fails partway.
type Repository struct {
	db         *sql.DB
	facilities *facilities.Repository
	cache      *cache.Cache
	events     *events.Manager
	log        zerolog.Logger
}

// NewRepository creates a new balance repository
func NewRepository(
	db *sql.DB,
	facilitiesRepo *facilities.Repository,
	c *cache.Cache,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Repository {
	return &Repository{
		db:         db,
		facilities: facilitiesRepo,
		cache:      c,
		events:     eventManager,
		log:        log.With().Str("repo", "balance").Logger(),
	}
}

// monthDateKey normalises a date to the first of the month for storage
func monthDateKey(date time.Time) string {
	return time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
}

// Get returns the saved balance for (month of date, calc type), or nil
func (r *Repository) Get(date time.Time, calcType CalcType) (*Balance, error) {
	row := r.db.QueryRow(`
		SELECT calc_uuid, calc_date, calc_type, ore_tonnes, concentrate_tonnes, plant_gross,
			total_inflows, total_outflows, fresh_inflows, storage_change, seepage_loss,
			closure_error_m3, closure_error_pct, has_low_fresh_inflows,
			inflows_json, outflows_json, facilities_json, capacity_warnings_json,
			flags_json, metric_statuses_json, opening_snapshot, created_at
		FROM calculations WHERE calc_date = ? AND calc_type = ?`,
		monthDateKey(date), string(calcType),
	)
	return scanBalance(row)
}

// Save atomically replaces the record for the balance's (date, type)
func (r *Repository) Save(b *Balance) error {
	prior, err := r.Get(b.CalcDate, b.CalcType)
	if err != nil {
		return fmt.Errorf("failed to read prior balance: %w", err)
	}

	var steps []step

	if prior != nil {
		// Restore each facility opening from the prior record's snapshot so
		// the replacement computes against the same starting state
		for code, opening := range prior.OpeningSnapshot {
			steps = append(steps, r.volumeStep(code, opening))
		}
		steps = append(steps, step{
			name: "delete prior record",
			do: func() error {
				return r.deleteByDateType(b.CalcDate, b.CalcType)
			},
			undo: func() error {
				return r.insert(prior)
			},
		})
	}

	steps = append(steps, step{
		name: "insert balance",
		do:   func() error { return r.insert(b) },
		undo: func() error { return r.deleteByDateType(b.CalcDate, b.CalcType) },
	})

	// Monthly closing writes: facility volumes move to the new closings
	for _, fm := range b.Facilities {
		steps = append(steps, r.volumeStep(fm.FacilityCode, fm.Closing))
	}

	if err := runAtomic(r.log, steps); err != nil {
		return fmt.Errorf("failed to save balance for %s: %w", b.MonthKey(), err)
	}

	if r.cache != nil {
		r.cache.InvalidateBalance(b.MonthKey())
		r.cache.Notify(cache.EventBalanceWritten)
	}
	if r.events != nil {
		eventType := events.BalanceSaved
		if prior != nil {
			eventType = events.BalanceReplaced
		}
		r.events.Emit(eventType, "balance", map[string]interface{}{
			"month": b.MonthKey(),
			"type":  string(b.CalcType),
		})
	}

	r.log.Info().Str("month", b.MonthKey()).Bool("replaced", prior != nil).Msg("Balance saved")
	return nil
}

// volumeStep builds an atomic step that sets a facility volume and can
// restore the value it overwrote
func (r *Repository) volumeStep(code string, volume float64) step {
	var previous float64
	var known bool
	return step{
		name: "set volume " + code,
		do: func() error {
			f, err := r.facilities.GetByCode(code)
			if err != nil {
				return err
			}
			if f == nil {
				return fmt.Errorf("facility %s not found", code)
			}
			previous = f.CurrentVolume
			known = true
			return r.facilities.UpdateVolume(code, volume)
		},
		undo: func() error {
			if !known {
				return nil
			}
			return r.facilities.UpdateVolume(code, previous)
		},
	}
}

// Delete removes the record for (month of date, calc type)
func (r *Repository) Delete(date time.Time, calcType CalcType) error {
	if err := r.deleteByDateType(date, calcType); err != nil {
		return err
	}
	if r.cache != nil {
		r.cache.InvalidateBalance(MonthKey(date))
	}
	return nil
}

func (r *Repository) deleteByDateType(date time.Time, calcType CalcType) error {
	_, err := r.db.Exec(
		"DELETE FROM calculations WHERE calc_date = ? AND calc_type = ?",
		monthDateKey(date), string(calcType),
	)
	if err != nil {
		return fmt.Errorf("failed to delete balance: %w", err)
	}
	return nil
}

// ClosureErrorPctSeries returns the most recent defined closure-error
// percentages in chronological order
func (r *Repository) ClosureErrorPctSeries(months int) ([]float64, error) {
	rows, err := r.db.Query(`
		SELECT closure_error_pct FROM (
			SELECT calc_date, closure_error_pct FROM calculations
			WHERE closure_error_pct IS NOT NULL
			ORDER BY calc_date DESC LIMIT ?
		) ORDER BY calc_date ASC`, months)
	if err != nil {
		return nil, fmt.Errorf("failed to query closure error series: %w", err)
	}
	defer rows.Close()

	var series []float64
	for rows.Next() {
		var pct float64
		if err := rows.Scan(&pct); err != nil {
			return nil, fmt.Errorf("failed to scan closure error: %w", err)
		}
		series = append(series, pct)
	}
	return series, rows.Err()
}

func (r *Repository) insert(b *Balance) error {
	inflowsJSON, _ := json.Marshal(b.Inflows)
	outflowsJSON, _ := json.Marshal(b.Outflows)
	facilitiesJSON, _ := json.Marshal(b.Facilities)
	warningsJSON, _ := json.Marshal(b.CapacityWarnings)
	statusesJSON, _ := json.Marshal(b.MetricStatuses)

	flagList := make([]string, 0, len(b.Flags))
	for flag, set := range b.Flags {
		if set {
			flagList = append(flagList, string(flag))
		}
	}
	flagsJSON, _ := json.Marshal(flagList)

	snapshot, err := msgpack.Marshal(b.OpeningSnapshot)
	if err != nil {
		return fmt.Errorf("failed to encode opening snapshot: %w", err)
	}

	createdAt := b.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = r.db.Exec(`
		INSERT INTO calculations (
			calc_uuid, calc_date, calc_type, ore_tonnes, concentrate_tonnes, plant_gross,
			total_inflows, total_outflows, fresh_inflows, storage_change, seepage_loss,
			closure_error_m3, closure_error_pct, has_low_fresh_inflows,
			inflows_json, outflows_json, facilities_json, capacity_warnings_json,
			flags_json, metric_statuses_json, opening_snapshot, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.CalcUUID, monthDateKey(b.CalcDate), string(b.CalcType),
		b.OreTonnes, b.ConcentrateTonnes, b.PlantGross,
		b.TotalInflows, b.TotalOutflows, b.FreshInflows, b.StorageChange, b.SeepageLoss,
		b.ClosureErrorM3, b.ClosureErrorPct, boolToInt(b.HasLowFreshInflows),
		string(inflowsJSON), string(outflowsJSON), string(facilitiesJSON), string(warningsJSON),
		string(flagsJSON), string(statusesJSON), snapshot,
		createdAt.Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return fmt.Errorf("failed to insert balance: %w", err)
	}
	return nil
}

func scanBalance(row *sql.Row) (*Balance, error) {
	b := &Balance{}
	var calcDate, calcType, createdAt string
	var closurePct sql.NullFloat64
	var lowFresh int
	var inflowsJSON, outflowsJSON, facilitiesJSON, warningsJSON, flagsJSON, statusesJSON string
	var snapshot []byte

	err := row.Scan(
		&b.CalcUUID, &calcDate, &calcType, &b.OreTonnes, &b.ConcentrateTonnes, &b.PlantGross,
		&b.TotalInflows, &b.TotalOutflows, &b.FreshInflows, &b.StorageChange, &b.SeepageLoss,
		&b.ClosureErrorM3, &closurePct, &lowFresh,
		&inflowsJSON, &outflowsJSON, &facilitiesJSON, &warningsJSON,
		&flagsJSON, &statusesJSON, &snapshot, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan balance: %w", err)
	}

	b.CalcType = CalcType(calcType)
	if b.CalcDate, err = time.Parse("2006-01-02", calcDate); err != nil {
		return nil, fmt.Errorf("failed to parse calc date %q: %w", calcDate, err)
	}
	if closurePct.Valid {
		b.ClosureErrorPct = &closurePct.Float64
	}
	b.HasLowFreshInflows = lowFresh != 0

	if err := json.Unmarshal([]byte(inflowsJSON), &b.Inflows); err != nil {
		return nil, fmt.Errorf("failed to decode inflows: %w", err)
	}
	if err := json.Unmarshal([]byte(outflowsJSON), &b.Outflows); err != nil {
		return nil, fmt.Errorf("failed to decode outflows: %w", err)
	}
	if err := json.Unmarshal([]byte(facilitiesJSON), &b.Facilities); err != nil {
		return nil, fmt.Errorf("failed to decode facilities: %w", err)
	}
	if err := json.Unmarshal([]byte(warningsJSON), &b.CapacityWarnings); err != nil {
		return nil, fmt.Errorf("failed to decode capacity warnings: %w", err)
	}
	if err := json.Unmarshal([]byte(statusesJSON), &b.MetricStatuses); err != nil {
		return nil, fmt.Errorf("failed to decode metric statuses: %w", err)
	}

	var flagList []string
	if err := json.Unmarshal([]byte(flagsJSON), &flagList); err != nil {
		return nil, fmt.Errorf("failed to decode flags: %w", err)
	}
	b.Flags = make(map[QualityFlag]bool, len(flagList))
	for _, f := range flagList {
		b.Flags[QualityFlag(f)] = true
	}

	b.OpeningSnapshot = make(map[string]float64)
	if len(snapshot) > 0 {
		if err := msgpack.Unmarshal(snapshot, &b.OpeningSnapshot); err != nil {
			return nil, fmt.Errorf("failed to decode opening snapshot: %w", err)
		}
	}

	if b.CreatedAt, err = time.Parse("2006-01-02 15:04:05", createdAt); err != nil {
		b.CreatedAt = time.Time{}
	}
	return b, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
