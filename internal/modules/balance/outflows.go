package balance

import (
	"math"

	"github.com/caliphsdev/waterbalance/internal/modules/facilities"
	"github.com/caliphsdev/waterbalance/internal/modules/timeseries"
)

// computeOutflowsAndStorage fills the outflow breakdown and the per-facility
// storage results. The two travel together because evaporation and seepage
// are per-facility quantities that feed both.
func (c *Calculator) computeOutflowsAndStorage(b *Balance, r *inputResolver, facilityList []facilities.Facility) error {
	openings, err := c.openingVolumes(b.CalcDate, facilityList)
	if err != nil {
		return err
	}

	evapMM, err := r.resolve("evaporation_mm", timeseries.FieldEvaporationMM, 0, FlagSubstitutedInput)
	if err != nil {
		return err
	}

	rainfallMM, err := r.resolve("rainfall_mm", timeseries.FieldRainfallMM,
		c.facilities.GetConstant(facilities.ConstDefaultMonthlyRainfall, 60), "")
	if err != nil {
		return err
	}

	seepageRate := c.facilities.GetConstant(facilities.ConstUnlinedSeepageRate, 0.005)

	for _, f := range facilityList {
		opening := openings[f.Code]
		b.OpeningSnapshot[f.Code] = opening

		fm := FacilityMonth{
			FacilityCode: f.Code,
			Opening:      opening,
		}

		if rain := rainfallMM / 1000 * f.SurfaceArea; rain > 0 {
			fm.Rainfall = rain
		}

		// Evaporation is hard-capped by the water actually present
		if f.EvapActive {
			fm.Evaporation = math.Min(opening, evapMM/1000*f.SurfaceArea)
			if fm.Evaporation < 0 {
				fm.Evaporation = 0
			}
		}

		// Seepage applies to unlined facilities only; it is an accounting
		// loss on storage change, never part of total outflows
		if !f.IsLined {
			fm.SeepageLoss = opening * seepageRate
		}

		rawClosing := opening + fm.Rainfall - fm.Evaporation - fm.SeepageLoss
		fm.Closing = c.clampClosing(b, &f, rawClosing)

		c.facilityMinimumDiagnostics(&f, &fm)

		b.Outflows.Evaporation += fm.Evaporation
		b.SeepageLoss += fm.SeepageLoss
		b.StorageChange += fm.Closing - fm.Opening
		b.Facilities = append(b.Facilities, fm)
	}

	// Net plant consumption: recycled return is subtracted before the
	// plant figure enters outflows, so return water is never counted twice
	b.Outflows.PlantNet = b.PlantGross - b.Inflows.TSFReturn

	if b.Outflows.DustSuppression, err = c.auxiliaryUse(r, "dust_suppression",
		timeseries.FieldDustSuppression, facilities.ConstDustSuppressionRate, 0.02, b.OreTonnes); err != nil {
		return err
	}
	if b.Outflows.MiningWater, err = c.auxiliaryUse(r, "mining_water",
		timeseries.FieldMiningWater, facilities.ConstMiningWaterRate, 0.18, b.OreTonnes); err != nil {
		return err
	}
	if b.Outflows.DomesticWater, err = c.auxiliaryUse(r, "domestic_water",
		timeseries.FieldDomesticWater, facilities.ConstDomesticWaterRate, 0.01, b.OreTonnes); err != nil {
		return err
	}

	discharge, err := r.resolveOptional("discharge", timeseries.FieldDischarge)
	if err != nil {
		return err
	}
	if discharge != nil {
		b.Outflows.Discharge = *discharge
	}

	if err := c.tailingsRetention(b, r); err != nil {
		return err
	}

	b.TotalOutflows = b.Outflows.Total()
	return nil
}

// clampClosing bounds a closing volume to [0, capacity], retaining the raw
// excess as a capacity warning
func (c *Calculator) clampClosing(b *Balance, f *facilities.Facility, raw float64) float64 {
	if raw > f.TotalCapacity {
		b.CapacityWarnings = append(b.CapacityWarnings, CapacityWarning{
			FacilityCode: f.Code,
			Kind:         WarningOverflow,
			RawExcess:    raw - f.TotalCapacity,
			Clamped:      f.TotalCapacity,
		})
		b.Flag(FlagFacilityClamped)
		return f.TotalCapacity
	}
	if raw < 0 {
		b.CapacityWarnings = append(b.CapacityWarnings, CapacityWarning{
			FacilityCode: f.Code,
			Kind:         WarningDeficit,
			RawExcess:    raw,
			Clamped:      0,
		})
		b.Flag(FlagFacilityClamped)
		return 0
	}
	return raw
}

// facilityMinimumDiagnostics computes days-to-minimum. The raw negative
// value is retained as the below-minimum flag; the reported figure clamps
// at zero.
func (c *Calculator) facilityMinimumDiagnostics(f *facilities.Facility, fm *FacilityMonth) {
	if f.DailyConsumption <= 0 {
		fm.IsBelowMinimum = fm.Closing < f.MinVolume
		return
	}
	days := (fm.Closing - f.MinVolume) / f.DailyConsumption
	if days < 0 {
		fm.IsBelowMinimum = true
		days = 0
	}
	fm.DaysToMinimum = days
}

// auxiliaryUse resolves one auxiliary consumption: series value when
// measured, else a per-tonne constant rate
func (c *Calculator) auxiliaryUse(r *inputResolver, key, field, constKey string, constFallback, oreTonnes float64) (float64, error) {
	v, err := r.resolveOptional(key, field)
	if err != nil {
		return 0, err
	}
	if v != nil {
		return *v, nil
	}
	r.balance.Flag(FlagSubstitutedInput)
	rate := c.facilities.GetConstant(constKey, constFallback)
	return oreTonnes * rate, nil
}

// tailingsRetention computes water locked into tailings. Monthly moisture
// absent means zero retention, not a constant default.
func (c *Calculator) tailingsRetention(b *Balance, r *inputResolver) error {
	concentrate, err := r.resolveOptional("concentrate_tonnes", timeseries.FieldConcentrate)
	if err != nil {
		return err
	}
	if concentrate != nil {
		b.ConcentrateTonnes = *concentrate
	}

	pct := 0.0
	if c.moisture != nil {
		var present bool
		pct, present, err = c.moisture.Get(b.CalcDate.Year(), b.CalcDate.Month())
		if err != nil {
			return err
		}
		if !present {
			b.Flag(FlagMissingMoisture)
		}
	}

	tailings := b.OreTonnes - b.ConcentrateTonnes
	if tailings < 0 {
		tailings = 0
	}
	b.Outflows.TailingsRetention = tailings * pct / 100
	return nil
}
