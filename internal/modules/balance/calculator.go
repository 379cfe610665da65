package balance

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/caliphsdev/waterbalance/internal/events"
	"github.com/caliphsdev/waterbalance/internal/modules/cache"
	"github.com/caliphsdev/waterbalance/internal/modules/facilities"
	"github.com/caliphsdev/waterbalance/internal/modules/timeseries"
)

// openingBaselinePct seeds a facility's opening volume when no prior month
// closing exists
const openingBaselinePct = 0.10

// lowFreshInflowsM3 is the floor under which the closure error percentage
// is undefined
const lowFreshInflowsM3 = 100.0

// Calculator computes one monthly water balance record. It is pure with
// respect to the store: nothing is persisted until Repository.Save.
type Calculator struct {
	facilities *facilities.Repository
	repo       *Repository
	meters     TimeSeries
	flows      TimeSeries
	overrides  *OverrideRepository
	moisture   *MoistureRepository
	cache      *cache.Cache
	events     *events.Manager
	log        zerolog.Logger

	lastWarnings []CapacityWarning
}

// NewCalculator creates a new water balance calculator
func NewCalculator(
	facilitiesRepo *facilities.Repository,
	repo *Repository,
	meters TimeSeries,
	flows TimeSeries,
	overrides *OverrideRepository,
	moisture *MoistureRepository,
	c *cache.Cache,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Calculator {
	return &Calculator{
		facilities: facilitiesRepo,
		repo:       repo,
		meters:     meters,
		flows:      flows,
		overrides:  overrides,
		moisture:   moisture,
		cache:      c,
		events:     eventManager,
		log:        log.With().Str("service", "calculator").Logger(),
	}
}

// Calculate computes the balance for the month of date. oreTonnes may be nil,
// in which case the milled-ore series value for the month is used (0 with a
// flag when that is absent too). Results are memoised by (month, ore tonnes).
func (c *Calculator) Calculate(date time.Time, oreTonnes *float64) (*Balance, error) {
	ore, oreFromSeries, err := c.resolveOreTonnes(date, oreTonnes)
	if err != nil {
		return nil, err
	}

	value, err := c.cache.GetOrComputeBalance(MonthKey(date), ore, func() (interface{}, error) {
		b, err := c.compute(date, ore, oreFromSeries)
		if err != nil {
			return nil, err
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}

	b := value.(*Balance)
	c.lastWarnings = b.CapacityWarnings
	return b, nil
}

// CapacityWarnings returns the warnings of the most recent Calculate call.
// The list is rebuilt from scratch on every call; it never accumulates.
func (c *Calculator) CapacityWarnings() []CapacityWarning {
	return c.lastWarnings
}

// ClearCache flushes every memoised balance
func (c *Calculator) ClearCache() {
	c.cache.FullClear()
}

// RegisterCacheListener subscribes to cache events; returns the handle
func (c *Calculator) RegisterCacheListener(l cache.Listener) int {
	return c.cache.RegisterListener(l)
}

func (c *Calculator) resolveOreTonnes(date time.Time, oreTonnes *float64) (ore float64, fromSeries bool, err error) {
	if oreTonnes != nil {
		return *oreTonnes, false, nil
	}
	if c.meters != nil {
		v, err := c.meters.Value(date, timeseries.FieldOreMilledTonnes)
		if err != nil {
			return 0, false, err
		}
		if v != nil {
			return *v, true, nil
		}
	}
	return 0, false, nil
}

// compute builds the whole balance record for one month
func (c *Calculator) compute(date time.Time, oreTonnes float64, oreFromSeries bool) (*Balance, error) {
	c.log.Info().
		Str("month", MonthKey(date)).
		Float64("ore_tonnes", oreTonnes).
		Msg("Computing water balance")

	b := &Balance{
		CalcUUID:        uuid.NewString(),
		CalcDate:        time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, time.UTC),
		CalcType:        CalcTypeMonthly,
		OreTonnes:       oreTonnes,
		Flags:           make(map[QualityFlag]bool),
		MetricStatuses:  make(map[string]MetricStatus),
		OpeningSnapshot: make(map[string]float64),
		// Capacity warnings reset on every calculate call
		CapacityWarnings: []CapacityWarning{},
	}
	if oreTonnes == 0 && !oreFromSeries {
		b.Flag(FlagMissingOreTonnes)
	}

	resolver := &inputResolver{
		date:      date,
		overrides: c.overrides,
		meters:    c.meters,
		flows:     c.flows,
		balance:   b,
	}

	facilityList, err := c.activeFacilities()
	if err != nil {
		return nil, err
	}

	if err := c.computeInflows(b, resolver, facilityList); err != nil {
		return nil, err
	}
	if err := c.computeOutflowsAndStorage(b, resolver, facilityList); err != nil {
		return nil, err
	}
	c.computeDiagnostics(b)

	if c.events != nil {
		c.events.Emit(events.BalanceCalculated, "balance", map[string]interface{}{
			"month":           b.MonthKey(),
			"closure_error":   b.ClosureErrorM3,
			"flags":           len(b.Flags),
			"capacity_warns":  len(b.CapacityWarnings),
		})
	}
	return b, nil
}

// activeFacilities reads the facility list through the TTL cache
func (c *Calculator) activeFacilities() ([]facilities.Facility, error) {
	value, err := c.cache.GetOrComputeFacilities(func() (interface{}, error) {
		list, err := c.facilities.GetAllActive()
		if err != nil {
			return nil, err
		}
		return list, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load facilities: %w", err)
	}
	return value.([]facilities.Facility), nil
}

// openingVolumes returns each facility's opening volume: the previous month
// closing when a saved balance exists, else the baseline share of capacity.
func (c *Calculator) openingVolumes(date time.Time, list []facilities.Facility) (map[string]float64, error) {
	openings := make(map[string]float64, len(list))

	var prevClosings map[string]float64
	if c.repo != nil {
		prev, err := c.repo.Get(date.AddDate(0, -1, 0), CalcTypeMonthly)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			prevClosings = make(map[string]float64, len(prev.Facilities))
			for _, fm := range prev.Facilities {
				prevClosings[fm.FacilityCode] = fm.Closing
			}
		}
	}

	for _, f := range list {
		if closing, ok := prevClosings[f.Code]; ok {
			openings[f.Code] = closing
		} else {
			openings[f.Code] = f.TotalCapacity * openingBaselinePct
		}
	}
	return openings, nil
}
