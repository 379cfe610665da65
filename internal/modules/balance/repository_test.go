package balance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caliphsdev/waterbalance/internal/modules/facilities"
)

func savedBalance(month time.Time, opening, closing float64) *Balance {
	pct := 2.5
	return &Balance{
		CalcUUID:        "test-uuid",
		CalcDate:        month,
		CalcType:        CalcTypeMonthly,
		OreTonnes:       40000,
		TotalInflows:    50000,
		TotalOutflows:   30000,
		FreshInflows:    45000,
		StorageChange:   1000,
		ClosureErrorM3:  500,
		ClosureErrorPct: &pct,
		Inflows:         Inflows{SurfaceWater: 50000},
		Outflows:        Outflows{PlantNet: 30000},
		Facilities: []FacilityMonth{
			{FacilityCode: "DAM1", Opening: opening, Closing: closing},
		},
		OpeningSnapshot: map[string]float64{"DAM1": opening},
		Flags:           map[QualityFlag]bool{FlagSubstitutedInput: true},
		MetricStatuses:  map[string]MetricStatus{"surface_water": StatusOK},
	}
}

func TestSaveAndGetRoundtrip(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.facilities.Upsert(&facilities.Facility{
		Code: "DAM1", TotalCapacity: 100000, Active: true, CurrentVolume: 10000,
	}))

	month := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	b := savedBalance(month, 10000, 11000)
	require.NoError(t, rig.repo.Save(b))

	got, err := rig.repo.Get(month, CalcTypeMonthly)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, b.CalcUUID, got.CalcUUID)
	assert.Equal(t, CalcTypeMonthly, got.CalcType)
	assert.InDelta(t, 45000, got.FreshInflows, 0.01)
	require.NotNil(t, got.ClosureErrorPct)
	assert.InDelta(t, 2.5, *got.ClosureErrorPct, 0.001)
	assert.True(t, got.HasFlag(FlagSubstitutedInput))
	assert.Equal(t, StatusOK, got.MetricStatuses["surface_water"])

	// The msgpack snapshot survives the roundtrip
	assert.InDelta(t, 10000, got.OpeningSnapshot["DAM1"], 0.01)

	// Monthly closing write moved the facility volume
	f, err := rig.facilities.GetByCode("DAM1")
	require.NoError(t, err)
	assert.InDelta(t, 11000, f.CurrentVolume, 0.01)
}

func TestSaveReplacesAndRestoresOpenings(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.facilities.Upsert(&facilities.Facility{
		Code: "DAM1", TotalCapacity: 100000, Active: true, CurrentVolume: 10000,
	}))

	month := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	first := savedBalance(month, 10000, 11000)
	require.NoError(t, rig.repo.Save(first))

	f, _ := rig.facilities.GetByCode("DAM1")
	require.InDelta(t, 11000, f.CurrentVolume, 0.01)

	// Re-running the month replaces the record; the facility opening is
	// restored from the prior snapshot before the new closing lands
	second := savedBalance(month, 10000, 12500)
	second.CalcUUID = "second-uuid"
	require.NoError(t, rig.repo.Save(second))

	got, err := rig.repo.Get(month, CalcTypeMonthly)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "second-uuid", got.CalcUUID)

	f, err = rig.facilities.GetByCode("DAM1")
	require.NoError(t, err)
	assert.InDelta(t, 12500, f.CurrentVolume, 0.01)
}

func TestSaveUnknownFacilityRollsBack(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.facilities.Upsert(&facilities.Facility{
		Code: "DAM1", TotalCapacity: 100000, Active: true, CurrentVolume: 10000,
	}))

	month := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	b := savedBalance(month, 10000, 11000)
	b.Facilities = append(b.Facilities, FacilityMonth{
		FacilityCode: "GHOST", Opening: 0, Closing: 500,
	})

	err := rig.repo.Save(b)
	require.Error(t, err)

	// The record insert and DAM1's volume write were undone
	got, getErr := rig.repo.Get(month, CalcTypeMonthly)
	require.NoError(t, getErr)
	assert.Nil(t, got)

	f, _ := rig.facilities.GetByCode("DAM1")
	assert.InDelta(t, 10000, f.CurrentVolume, 0.01)
}

func TestOpeningFromPreviousMonthClosing(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.facilities.Upsert(&facilities.Facility{
		Code: "DAM1", TotalCapacity: 100000, IsLined: true, Active: true,
	}))

	may := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, rig.repo.Save(savedBalance(may, 10000, 42000)))

	require.NoError(t, rig.overrides.Set(testMonth, "rainfall_mm", 0))
	b, err := rig.calc.Calculate(testMonth, f64Ptr(0))
	require.NoError(t, err)

	require.Len(t, b.Facilities, 1)
	assert.InDelta(t, 42000, b.Facilities[0].Opening, 0.01)
}

func TestClosureErrorPctSeries(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.facilities.Upsert(&facilities.Facility{
		Code: "DAM1", TotalCapacity: 100000, Active: true,
	}))

	for i, pct := range []float64{1.5, 3.0, 4.5} {
		month := time.Date(2024, time.Month(i+1), 1, 0, 0, 0, 0, time.UTC)
		b := savedBalance(month, 10000, 10000)
		b.ClosureErrorPct = &pct
		require.NoError(t, rig.repo.Save(b))
	}

	series, err := rig.repo.ClosureErrorPctSeries(2)
	require.NoError(t, err)
	require.Len(t, series, 2)
	// Chronological order, newest months only
	assert.InDelta(t, 3.0, series[0], 0.001)
	assert.InDelta(t, 4.5, series[1], 0.001)
}
