package transfers

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/caliphsdev/waterbalance/internal/config"
	"github.com/caliphsdev/waterbalance/internal/events"
	"github.com/caliphsdev/waterbalance/internal/modules/cache"
	"github.com/caliphsdev/waterbalance/internal/modules/facilities"
)

// ErrUnknownFacility is returned when a transfer names a facility the store
// does not have
var ErrUnknownFacility = errors.New("unknown facility in transfer")

// Engine redistributes water between facilities under threshold rules.
// Proposals are deterministic and pure; Apply is transactional per transfer
// and idempotent per (date, source, destination).
type Engine struct {
	db         *sql.DB
	facilities *facilities.Repository
	repo       *Repository
	cache      *cache.Cache
	events     *events.Manager
	policy     config.PumpTransfers
	log        zerolog.Logger

	// Serialises facility volume writes: two concurrent Apply calls must
	// not double-decrement
	applyMu sync.Mutex
}

// NewEngine creates a new pump transfer engine
func NewEngine(
	db *sql.DB,
	facilitiesRepo *facilities.Repository,
	repo *Repository,
	c *cache.Cache,
	eventManager *events.Manager,
	policy config.PumpTransfers,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		db:         db,
		facilities: facilitiesRepo,
		repo:       repo,
		cache:      c,
		events:     eventManager,
		policy:     policy,
		log:        log.With().Str("service", "pump_transfers").Logger(),
	}
}

// Propose computes the transfer set for a calendar date. Facilities are
// visited in code order; destinations in configured feeds order. One source
// moves at most 5% of its capacity per proposal, spread across as many
// destinations as it takes.
func (e *Engine) Propose(date time.Time) ([]Transfer, error) {
	list, err := e.facilities.GetAllActive()
	if err != nil {
		return nil, fmt.Errorf("failed to load facilities: %w", err)
	}

	byCode := make(map[string]*facilities.Facility, len(list))
	for i := range list {
		byCode[list[i].Code] = &list[i]
	}

	// Destination volumes accrue across proposals within one pass so a
	// shared destination is not over-filled on paper
	volumes := make(map[string]float64, len(list))
	for _, f := range list {
		volumes[f.Code] = f.CurrentVolume
	}

	var proposals []Transfer
	for _, src := range list {
		if len(src.FeedsTo) == 0 || src.TotalCapacity <= 0 {
			continue
		}

		srcVolume := volumes[src.Code]
		levelPct := 100 * srcVolume / src.TotalCapacity
		if levelPct < src.PumpStartPct {
			continue
		}

		remaining := src.TotalCapacity * transferIncrementPct
		for _, destCode := range src.FeedsTo {
			dest, ok := byCode[destCode]
			if !ok || !dest.Active || dest.TotalCapacity <= 0 {
				continue
			}

			destVolume := volumes[dest.Code]
			destLevelPct := 100 * destVolume / dest.TotalCapacity
			if destLevelPct >= dest.PumpStartPct {
				continue // destination holds enough already
			}

			space := dest.TotalCapacity - destVolume
			take := remaining
			if space < take {
				take = space
			}
			if take <= 0 {
				continue
			}

			proposals = append(proposals, Transfer{
				SourceCode:   src.Code,
				DestCode:     dest.Code,
				VolumeM3:     take,
				SrcPctBefore: 100 * srcVolume / src.TotalCapacity,
				SrcPctAfter:  100 * (srcVolume - take) / src.TotalCapacity,
				DstPctBefore: destLevelPct,
				DstPctAfter:  100 * (destVolume + take) / dest.TotalCapacity,
			})

			srcVolume -= take
			volumes[src.Code] = srcVolume
			volumes[dest.Code] = destVolume + take
			remaining -= take
			if remaining <= 0 {
				break
			}
		}
	}

	if e.events != nil && len(proposals) > 0 {
		e.events.Emit(events.TransfersProposed, "transfers", map[string]interface{}{
			"date":  date.Format("2006-01-02"),
			"count": len(proposals),
		})
	}
	return proposals, nil
}

// Apply executes transfers for a calc date. Each transfer is one sqlite
// transaction: decrement source, increment destination, insert the event
// row. An existing event row skips the transfer; a failing transfer rolls
// back alone and the rest proceed. Returns the number applied.
func (e *Engine) Apply(date time.Time, proposed []Transfer, actor string) (int, error) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	calcDate := date.Format("2006-01-02")
	applied := 0
	var failures []error

	for _, t := range proposed {
		exists, err := e.repo.Exists(calcDate, t.SourceCode, t.DestCode)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if exists {
			e.log.Debug().
				Str("source", t.SourceCode).
				Str("dest", t.DestCode).
				Msg("Transfer already applied, skipping")
			continue
		}

		if e.skippedByPilotGate(t.SourceCode) {
			e.log.Info().
				Str("source", t.SourceCode).
				Msg("Transfer outside pilot areas, skipping")
			continue
		}

		if err := e.applyOne(calcDate, t, actor); err != nil {
			e.log.Error().Err(err).
				Str("source", t.SourceCode).
				Str("dest", t.DestCode).
				Msg("Transfer failed, rolled back")
			failures = append(failures, err)
			continue
		}
		applied++
	}

	if applied > 0 {
		if e.cache != nil {
			e.cache.InvalidateFacilities()
			e.cache.InvalidateBalance(date.Format("2006-01"))
			e.cache.Notify(cache.EventTransfersApplied)
		}
		if e.events != nil {
			e.events.Emit(events.TransfersApplied, "transfers", map[string]interface{}{
				"date":    calcDate,
				"applied": applied,
				"actor":   actor,
			})
		}
	}

	return applied, errors.Join(failures...)
}

// skippedByPilotGate reports whether pilot gating excludes a source facility
func (e *Engine) skippedByPilotGate(sourceCode string) bool {
	if e.policy.Scope != "pilot-area" {
		return false
	}
	f, err := e.facilities.GetByCode(sourceCode)
	if err != nil || f == nil {
		return false // resolution failure surfaces in applyOne
	}
	for _, area := range e.policy.PilotAreas {
		if f.AreaCode == area {
			return false
		}
	}
	return true
}

// applyOne moves one transfer inside a single transaction
func (e *Engine) applyOne(calcDate string, t Transfer, actor string) error {
	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := adjustVolume(tx, t.SourceCode, -t.VolumeM3); err != nil {
		return err
	}
	if err := adjustVolume(tx, t.DestCode, t.VolumeM3); err != nil {
		return err
	}

	appliedAt := time.Now().Format("2006-01-02 15:04:05")
	_, err = tx.Exec(`
		INSERT INTO pump_transfer_events (
			event_uuid, calc_date, source_code, dest_code, volume_m3,
			source_pct_before, source_pct_after, dest_pct_before, dest_pct_after,
			applied_at, applied_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), calcDate, t.SourceCode, t.DestCode, t.VolumeM3,
		t.SrcPctBefore, t.SrcPctAfter, t.DstPctBefore, t.DstPctAfter,
		appliedAt, actor,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transfer event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transfer: %w", err)
	}

	e.log.Info().
		Str("source", t.SourceCode).
		Str("dest", t.DestCode).
		Float64("volume_m3", t.VolumeM3).
		Str("actor", actor).
		Msg("Transfer applied")
	return nil
}

// adjustVolume shifts a facility volume inside a transaction
func adjustVolume(tx *sql.Tx, code string, delta float64) error {
	result, err := tx.Exec(
		"UPDATE facilities SET current_volume = current_volume + ? WHERE facility_code = ?",
		delta, code,
	)
	if err != nil {
		return fmt.Errorf("failed to adjust volume for %s: %w", code, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownFacility, code)
	}
	return nil
}
