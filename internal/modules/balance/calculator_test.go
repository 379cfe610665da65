package balance

import (
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/caliphsdev/waterbalance/internal/modules/cache"
	"github.com/caliphsdev/waterbalance/internal/modules/facilities"
	"github.com/caliphsdev/waterbalance/internal/modules/timeseries"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, facilities.InitSchema(db))
	require.NoError(t, timeseries.InitSchema(db))
	require.NoError(t, InitSchema(db))
	require.NoError(t, InitOverridesSchema(db))
	return db
}

type testRig struct {
	db         *sql.DB
	cache      *cache.Cache
	facilities *facilities.Repository
	meters     *timeseries.Repository
	overrides  *OverrideRepository
	moisture   *MoistureRepository
	repo       *Repository
	calc       *Calculator
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	db := setupTestDB(t)
	log := zerolog.Nop()

	rig := &testRig{
		db:         db,
		cache:      cache.New(log),
		facilities: facilities.NewRepository(db, log),
		meters:     timeseries.NewRepository(db, timeseries.KindMeterReadings, "meters.xlsx", log),
		overrides:  NewOverrideRepository(db, log),
		moisture:   NewMoistureRepository(db, log),
	}
	rig.repo = NewRepository(db, rig.facilities, rig.cache, nil, log)
	flows := timeseries.NewRepository(db, timeseries.KindFlowDiagram, "flows.xlsx", log)
	rig.calc = NewCalculator(
		rig.facilities, rig.repo, rig.meters, flows,
		rig.overrides, rig.moisture, rig.cache, nil, log,
	)
	return rig
}

func (r *testRig) addSource(t *testing.T, code string, sourceType facilities.SourceType) {
	t.Helper()
	require.NoError(t, r.facilities.UpsertSource(&facilities.Source{
		Code: code, Type: sourceType, Active: true,
	}))
}

func (r *testRig) measure(t *testing.T, date, field string, value float64, sourceCode *string) {
	t.Helper()
	require.NoError(t, r.meters.Append(&timeseries.Measurement{
		Date: date, Field: field, Value: value, SourceCode: sourceCode,
	}))
}

func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }

var testMonth = time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)

func TestCalculateLowFreshInflows(t *testing.T) {
	rig := newTestRig(t)

	// A lined facility with no surface area: no rainfall, evaporation or
	// seepage contributions
	require.NoError(t, rig.facilities.Upsert(&facilities.Facility{
		Code: "DAM1", TotalCapacity: 1000, IsLined: true, Active: true,
	}))

	rig.addSource(t, "RIV1", facilities.SourceSurface)
	rig.measure(t, "2024-06-10", timeseries.FieldSurfaceWater, 50, strPtr("RIV1"))
	rig.measure(t, "2024-06-10", timeseries.FieldDischarge, 40, nil)

	b, err := rig.calc.Calculate(testMonth, f64Ptr(0))
	require.NoError(t, err)

	assert.InDelta(t, 50, b.FreshInflows, 0.01)
	assert.InDelta(t, 40, b.TotalOutflows, 0.01)
	assert.InDelta(t, 0, b.StorageChange, 0.01)
	assert.InDelta(t, 10, b.ClosureErrorM3, 0.01)

	assert.True(t, b.HasLowFreshInflows)
	assert.True(t, b.HasFlag(FlagLowFreshInflows))
	// Percentage is undefined below the fresh-inflow floor, never zero
	assert.Nil(t, b.ClosureErrorPct)
}

func TestCalculateMassBalanceIdentity(t *testing.T) {
	rig := newTestRig(t)

	require.NoError(t, rig.facilities.Upsert(&facilities.Facility{
		Code: "DAM1", TotalCapacity: 100000, SurfaceArea: 20000,
		EvapActive: true, Active: true,
	}))
	require.NoError(t, rig.facilities.Upsert(&facilities.Facility{
		Code: "DAM2", TotalCapacity: 50000, SurfaceArea: 5000,
		IsLined: true, EvapActive: true, Active: true,
	}))

	rig.addSource(t, "RIV1", facilities.SourceSurface)
	rig.addSource(t, "BH1", facilities.SourceGround)
	rig.measure(t, "2024-06-05", timeseries.FieldSurfaceWater, 42000, strPtr("RIV1"))
	rig.measure(t, "2024-06-05", timeseries.FieldGroundwater, 15000, strPtr("BH1"))
	rig.measure(t, "2024-06-05", timeseries.FieldRainfallMM, 80, nil)
	rig.measure(t, "2024-06-05", timeseries.FieldEvaporationMM, 120, nil)
	rig.measure(t, "2024-06-05", timeseries.FieldPlantGross, 30000, nil)
	rig.measure(t, "2024-06-05", timeseries.FieldTSFReturn, 16800, nil)

	b, err := rig.calc.Calculate(testMonth, f64Ptr(40000))
	require.NoError(t, err)

	// Mass balance identity within rounding
	assert.InDelta(t, b.ClosureErrorM3,
		b.FreshInflows-b.TotalOutflows-b.StorageChange, 1.0)

	// Recycled return counted as inflow exactly once and subtracted from
	// gross plant before outflows
	assert.InDelta(t, 16800, b.Inflows.TSFReturn, 0.01)
	assert.InDelta(t, 30000-16800, b.Outflows.PlantNet, 0.01)
	assert.InDelta(t, b.TotalInflows-16800, b.FreshInflows, 0.01)

	require.NotNil(t, b.ClosureErrorPct)
	assert.InDelta(t, *b.ClosureErrorPct,
		abs(b.ClosureErrorM3)/b.FreshInflows*100, 0.01)

	// Closings stay within bounds
	for _, fm := range b.Facilities {
		f, err := rig.facilities.GetByCode(fm.FacilityCode)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, fm.Closing, 0.0)
		assert.LessOrEqual(t, fm.Closing, f.TotalCapacity)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestCalculateMemoisation(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.facilities.Upsert(&facilities.Facility{
		Code: "DAM1", TotalCapacity: 1000, IsLined: true, Active: true,
	}))

	b1, err := rig.calc.Calculate(testMonth, f64Ptr(100))
	require.NoError(t, err)
	b2, err := rig.calc.Calculate(testMonth, f64Ptr(100))
	require.NoError(t, err)

	// Same month, same tonnage, unchanged inputs: the memoised record
	assert.Same(t, b1, b2)
}

func TestOverrideChangeInvalidatesMonth(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.facilities.Upsert(&facilities.Facility{
		Code: "DAM1", TotalCapacity: 100000, SurfaceArea: 10000, Active: true,
	}))

	b1, err := rig.calc.Calculate(testMonth, f64Ptr(0))
	require.NoError(t, err)

	// Write an override for the month and invalidate, as the write path
	// must
	require.NoError(t, rig.overrides.Set(testMonth, "rainfall_mm", 200))
	rig.cache.InvalidateBalance(MonthKey(testMonth))

	b2, err := rig.calc.Calculate(testMonth, f64Ptr(0))
	require.NoError(t, err)

	assert.NotSame(t, b1, b2)
	assert.Greater(t, b2.Inflows.Rainfall, b1.Inflows.Rainfall)
}

func TestOverrideBeatsSeries(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.facilities.Upsert(&facilities.Facility{
		Code: "DAM1", TotalCapacity: 100000, SurfaceArea: 10000, Active: true,
	}))

	rig.measure(t, "2024-06-01", timeseries.FieldRainfallMM, 50, nil)
	require.NoError(t, rig.overrides.Set(testMonth, "rainfall_mm", 100))

	b, err := rig.calc.Calculate(testMonth, f64Ptr(0))
	require.NoError(t, err)

	// 100mm over 10,000 m² = 1,000 m³
	assert.InDelta(t, 1000, b.Inflows.Rainfall, 0.01)
}

func TestEvaporationCappedByVolume(t *testing.T) {
	rig := newTestRig(t)
	// Opening baseline is 10% of capacity = 100 m³; an extreme evaporation
	// month cannot remove more than that
	require.NoError(t, rig.facilities.Upsert(&facilities.Facility{
		Code: "POND", TotalCapacity: 1000, SurfaceArea: 100000,
		EvapActive: true, IsLined: true, Active: true,
	}))
	require.NoError(t, rig.overrides.Set(testMonth, "rainfall_mm", 0))
	require.NoError(t, rig.overrides.Set(testMonth, "evaporation_mm", 500))

	b, err := rig.calc.Calculate(testMonth, f64Ptr(0))
	require.NoError(t, err)

	require.Len(t, b.Facilities, 1)
	assert.InDelta(t, 100, b.Facilities[0].Evaporation, 0.01)
	assert.InDelta(t, 0, b.Facilities[0].Closing, 0.01)
}

func TestSeepageNotInOutflows(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.facilities.Upsert(&facilities.Facility{
		Code: "UNLINED", TotalCapacity: 100000, Active: true,
	}))
	require.NoError(t, rig.overrides.Set(testMonth, "rainfall_mm", 0))

	b, err := rig.calc.Calculate(testMonth, f64Ptr(0))
	require.NoError(t, err)

	// 0.5% of the 10,000 m³ opening
	assert.InDelta(t, 50, b.SeepageLoss, 0.01)
	assert.InDelta(t, 0, b.TotalOutflows, 0.01)
	// ...but it does reduce storage
	assert.InDelta(t, -50, b.StorageChange, 0.01)
}

func TestLinedFacilityNoSeepage(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.facilities.Upsert(&facilities.Facility{
		Code: "LINED", TotalCapacity: 100000, IsLined: true, Active: true,
	}))
	require.NoError(t, rig.overrides.Set(testMonth, "rainfall_mm", 0))

	b, err := rig.calc.Calculate(testMonth, f64Ptr(0))
	require.NoError(t, err)
	assert.InDelta(t, 0, b.SeepageLoss, 0.01)
}

func TestTailingsMoistureAbsentMeansZero(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.facilities.Upsert(&facilities.Facility{
		Code: "DAM1", TotalCapacity: 1000, IsLined: true, Active: true,
	}))

	b, err := rig.calc.Calculate(testMonth, f64Ptr(10000))
	require.NoError(t, err)

	assert.InDelta(t, 0, b.Outflows.TailingsRetention, 0.01)
	assert.True(t, b.HasFlag(FlagMissingMoisture))
}

func TestTailingsRetention(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.facilities.Upsert(&facilities.Facility{
		Code: "DAM1", TotalCapacity: 1000, IsLined: true, Active: true,
	}))
	require.NoError(t, rig.moisture.Set(2024, time.June, 10))
	rig.measure(t, "2024-06-20", timeseries.FieldConcentrate, 200, nil)

	b, err := rig.calc.Calculate(testMonth, f64Ptr(1000))
	require.NoError(t, err)

	// (1000 − 200) × 10%
	assert.InDelta(t, 80, b.Outflows.TailingsRetention, 0.01)
}

func TestOreMoistureInflow(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.facilities.Upsert(&facilities.Facility{
		Code: "DAM1", TotalCapacity: 1000, IsLined: true, Active: true,
	}))

	b, err := rig.calc.Calculate(testMonth, f64Ptr(27000))
	require.NoError(t, err)

	// 27,000 t × 3.4% / 2.7 t/m³ = 340 m³
	assert.InDelta(t, 340, b.Inflows.OreMoisture, 0.01)
}

func TestCapacityWarningsResetPerCall(t *testing.T) {
	rig := newTestRig(t)
	// Heavy rain over a big surface overflows the tiny facility
	require.NoError(t, rig.facilities.Upsert(&facilities.Facility{
		Code: "TINY", TotalCapacity: 100, SurfaceArea: 10000,
		IsLined: true, Active: true,
	}))
	require.NoError(t, rig.overrides.Set(testMonth, "rainfall_mm", 300))

	b1, err := rig.calc.Calculate(testMonth, f64Ptr(0))
	require.NoError(t, err)
	require.NotEmpty(t, b1.CapacityWarnings)
	assert.Equal(t, WarningOverflow, b1.CapacityWarnings[0].Kind)
	assert.NotEmpty(t, rig.calc.CapacityWarnings())

	// A dry month elsewhere starts with a clean warning list
	nextMonth := testMonth.AddDate(0, 1, 0)
	require.NoError(t, rig.overrides.Set(nextMonth, "rainfall_mm", 0))
	b2, err := rig.calc.Calculate(nextMonth, f64Ptr(0))
	require.NoError(t, err)
	assert.Empty(t, b2.CapacityWarnings)
	assert.Empty(t, rig.calc.CapacityWarnings())
}

func TestNegativeQuantityFlagged(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.facilities.Upsert(&facilities.Facility{
		Code: "DAM1", TotalCapacity: 1000, IsLined: true, Active: true,
	}))
	// A negative discharge reading is physically impossible
	rig.measure(t, "2024-06-10", timeseries.FieldDischarge, -500, nil)

	b, err := rig.calc.Calculate(testMonth, f64Ptr(0))
	require.NoError(t, err)

	assert.Equal(t, StatusWarn, b.MetricStatuses["discharge"])
	assert.True(t, b.HasFlag(FlagNegativeQuantity))
}
