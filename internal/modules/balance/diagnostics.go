package balance

import (
	"math"

	"github.com/caliphsdev/waterbalance/internal/modules/facilities"
	"github.com/caliphsdev/waterbalance/pkg/formulas"
)

// computeDiagnostics derives closure error, quality statuses and flags once
// the inflow/outflow/storage submodels have run
func (c *Calculator) computeDiagnostics(b *Balance) {
	b.ClosureErrorM3 = b.FreshInflows - b.TotalOutflows - b.StorageChange

	if b.FreshInflows < lowFreshInflowsM3 {
		// Percentage is undefined against a near-zero denominator
		b.HasLowFreshInflows = true
		b.Flag(FlagLowFreshInflows)
	} else {
		pct := math.Abs(b.ClosureErrorM3) / b.FreshInflows * 100
		b.ClosureErrorPct = &pct

		alertPct := c.facilities.GetConstant(facilities.ConstClosureErrorAlertPct, 5)
		if pct > alertPct {
			b.Flag(FlagHighClosureError)
		}
	}

	// Physical quantities must not be negative; a negative value is a data
	// quality incident, not a result
	metrics := map[string]float64{
		"surface_water":      b.Inflows.SurfaceWater,
		"groundwater":        b.Inflows.Groundwater,
		"underground_water":  b.Inflows.UndergroundWater,
		"rainfall":           b.Inflows.Rainfall,
		"ore_moisture":       b.Inflows.OreMoisture,
		"aquifer_seepage":    b.Inflows.AquiferSeepage,
		"tsf_return":         b.Inflows.TSFReturn,
		"evaporation":        b.Outflows.Evaporation,
		"plant_net":          b.Outflows.PlantNet,
		"dust_suppression":   b.Outflows.DustSuppression,
		"mining_water":       b.Outflows.MiningWater,
		"domestic_water":     b.Outflows.DomesticWater,
		"discharge":          b.Outflows.Discharge,
		"tailings_retention": b.Outflows.TailingsRetention,
	}
	for name, value := range metrics {
		if value < 0 {
			b.MetricStatuses[name] = StatusWarn
			b.Flag(FlagNegativeQuantity)
			c.log.Warn().Str("metric", name).Float64("value", value).Msg("Negative physical quantity")
		} else {
			b.MetricStatuses[name] = StatusOK
		}
	}
}

// TrendResult summarises the closure-error history around one month
type TrendResult struct {
	Months     int     `json:"months"`
	MeanPct    float64 `json:"mean_pct"`
	StdDevPct  float64 `json:"stddev_pct"`
	LatestPct  float64 `json:"latest_pct"`
	ZScore     float64 `json:"z_score"`
	IsOutlier  bool    `json:"is_outlier"`
	AboveAlert bool    `json:"above_alert"`
}

// TrendCheck inspects the recent closure-error percentages. A month more
// than two standard deviations from the recent mean, or above the alert
// threshold, warrants a data review before the balance is trusted.
func (c *Calculator) TrendCheck(months int) (*TrendResult, error) {
	if months < 2 {
		months = 2
	}
	series, err := c.repo.ClosureErrorPctSeries(months)
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return nil, nil
	}

	latest := series[len(series)-1]
	result := &TrendResult{
		Months:    len(series),
		MeanPct:   formulas.Mean(series),
		StdDevPct: formulas.StdDev(series),
		LatestPct: latest,
		ZScore:    formulas.ZScore(latest, series),
	}
	result.IsOutlier = math.Abs(result.ZScore) > 2

	alertPct := c.facilities.GetConstant(facilities.ConstClosureErrorAlertPct, 5)
	result.AboveAlert = latest > alertPct
	return result, nil
}
