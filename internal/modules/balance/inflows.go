package balance

import (
	"github.com/caliphsdev/waterbalance/internal/modules/facilities"
	"github.com/caliphsdev/waterbalance/internal/modules/timeseries"
)

// computeInflows fills the inflow breakdown of the balance being built
func (c *Calculator) computeInflows(b *Balance, r *inputResolver, facilityList []facilities.Facility) error {
	var err error

	if b.Inflows.SurfaceWater, err = c.sourceTypeSum(r, facilities.SourceSurface, timeseries.FieldSurfaceWater); err != nil {
		return err
	}
	if b.Inflows.Groundwater, err = c.sourceTypeSum(r, facilities.SourceGround, timeseries.FieldGroundwater); err != nil {
		return err
	}
	if b.Inflows.UndergroundWater, err = c.sourceTypeSum(r, facilities.SourceUnderground, timeseries.FieldUndergroundWater); err != nil {
		return err
	}

	// Rainfall: one regional mm figure spread over facility surface areas.
	// Negative mm never contributes (a gauge fault, not negative rain).
	rainfallMM, err := r.resolve("rainfall_mm", timeseries.FieldRainfallMM,
		c.facilities.GetConstant(facilities.ConstDefaultMonthlyRainfall, 60), FlagMissingRainfall)
	if err != nil {
		return err
	}
	for _, f := range facilityList {
		contribution := rainfallMM / 1000 * f.SurfaceArea
		if contribution > 0 {
			b.Inflows.Rainfall += contribution
		}
	}

	// Ore moisture carried in with the feed
	moisturePct := c.facilities.GetConstant(facilities.ConstOreMoisturePct, 3.4)
	density := c.facilities.GetConstant(facilities.ConstOreDensity, 2.7)
	if density > 0 {
		b.Inflows.OreMoisture = b.OreTonnes * moisturePct / 100 / density
	}

	aquifer, err := r.resolveOptional("aquifer_seepage", timeseries.FieldAquiferSeepage)
	if err != nil {
		return err
	}
	if aquifer != nil {
		b.Inflows.AquiferSeepage = *aquifer
	}

	// TSF return: measured when available, else estimated from gross plant
	// consumption. The estimate needs gross plant, resolved here and reused
	// by the outflow submodel via the balance fields.
	b.PlantGross, err = c.resolveGrossPlant(b, r)
	if err != nil {
		return err
	}

	tsfReturn, err := r.resolveOptional("tsf_return", timeseries.FieldTSFReturn)
	if err != nil {
		return err
	}
	if tsfReturn != nil {
		b.Inflows.TSFReturn = *tsfReturn
	} else {
		rate := c.facilities.GetConstant(facilities.ConstTSFReturnRate, 0.56)
		b.Inflows.TSFReturn = b.PlantGross * rate
		b.Flag(FlagMissingTSFReturn)
		b.Flag(FlagSubstitutedInput)
	}

	b.TotalInflows = b.Inflows.Total()
	// Recycled return water counts as inflow exactly once; fresh inflows
	// exclude it (I2)
	b.FreshInflows = b.TotalInflows - b.Inflows.TSFReturn
	return nil
}

// sourceTypeSum sums a field across the active sources of one type
func (c *Calculator) sourceTypeSum(r *inputResolver, sourceType facilities.SourceType, field string) (float64, error) {
	sources, err := c.facilities.GetActiveSourcesByType(sourceType)
	if err != nil {
		return 0, err
	}

	codes := make([]string, len(sources))
	for i, s := range sources {
		codes[i] = s.Code
	}

	if len(codes) == 0 {
		// No configured sources of this type: fall back to the aggregate
		// monthly field sum so bulk-ingested data still counts
		v, err := r.fromSeries(field)
		if err != nil || v == nil {
			return 0, err
		}
		return *v, nil
	}

	return sumForActiveSources(c.meters, r.date, field, codes)
}

// resolveGrossPlant returns gross plant consumption: override → series →
// ore tonnage × water-per-tonne constant
func (c *Calculator) resolveGrossPlant(b *Balance, r *inputResolver) (float64, error) {
	v, err := r.resolveOptional("plant_consumption_gross", timeseries.FieldPlantGross)
	if err != nil {
		return 0, err
	}
	if v != nil {
		return *v, nil
	}
	b.Flag(FlagMissingPlantGross)
	b.Flag(FlagSubstitutedInput)
	rate := c.facilities.GetConstant(facilities.ConstWaterPerTonne, 0.71)
	return b.OreTonnes * rate, nil
}
