package balance

import "time"

// CalcType distinguishes calculation runs stored for the same month
type CalcType string

const (
	CalcTypeMonthly CalcType = "monthly"
	CalcTypeAdHoc   CalcType = "adhoc"
)

// QualityFlag marks a data-quality finding on a balance
type QualityFlag string

const (
	FlagLowFreshInflows    QualityFlag = "low_fresh_inflows"
	FlagMissingRainfall    QualityFlag = "missing_rainfall"
	FlagMissingOreTonnes   QualityFlag = "missing_ore_tonnes"
	FlagMissingPlantGross  QualityFlag = "missing_plant_gross"
	FlagMissingTSFReturn   QualityFlag = "missing_tsf_return"
	FlagMissingMoisture    QualityFlag = "missing_tailings_moisture"
	FlagSubstitutedInput   QualityFlag = "substituted_input"
	FlagNegativeQuantity   QualityFlag = "negative_quantity"
	FlagHighClosureError   QualityFlag = "high_closure_error"
	FlagFacilityClamped    QualityFlag = "facility_clamped"
)

// MetricStatus is the per-metric data quality verdict
type MetricStatus string

const (
	StatusOK   MetricStatus = "OK"
	StatusWarn MetricStatus = "WARN"
)

// WarningKind classifies a capacity warning
type WarningKind string

const (
	WarningOverflow WarningKind = "overflow"
	WarningDeficit  WarningKind = "deficit"
)

// CapacityWarning records a facility clamp event during one calculation.
// RawExcess keeps the unclamped overflow (positive) or deficit (negative).
type CapacityWarning struct {
	FacilityCode string      `json:"facility_code"`
	Kind         WarningKind `json:"kind"`
	RawExcess    float64     `json:"raw_excess_m3"`
	Clamped      float64     `json:"clamped_volume_m3"`
}

// Inflows is the monthly inflow breakdown, all in m³
type Inflows struct {
	SurfaceWater     float64 `json:"surface_water"`
	Groundwater      float64 `json:"groundwater"`
	UndergroundWater float64 `json:"underground_water"`
	Rainfall         float64 `json:"rainfall"`
	OreMoisture      float64 `json:"ore_moisture"`
	AquiferSeepage   float64 `json:"aquifer_seepage"`
	TSFReturn        float64 `json:"tsf_return"`
}

// Total sums every inflow component, recycled return included
func (i Inflows) Total() float64 {
	return i.SurfaceWater + i.Groundwater + i.UndergroundWater +
		i.Rainfall + i.OreMoisture + i.AquiferSeepage + i.TSFReturn
}

// Outflows is the monthly outflow breakdown, all in m³. Seepage loss is
// accounted in storage change, never here.
type Outflows struct {
	Evaporation       float64 `json:"evaporation"`
	PlantNet          float64 `json:"plant_net"`
	DustSuppression   float64 `json:"dust_suppression"`
	MiningWater       float64 `json:"mining_water"`
	DomesticWater     float64 `json:"domestic_water"`
	Discharge         float64 `json:"discharge"`
	TailingsRetention float64 `json:"tailings_retention"`
}

// Total sums every outflow component
func (o Outflows) Total() float64 {
	return o.Evaporation + o.PlantNet + o.DustSuppression +
		o.MiningWater + o.DomesticWater + o.Discharge + o.TailingsRetention
}

// FacilityMonth is the per-facility storage result for one month
type FacilityMonth struct {
	FacilityCode   string  `json:"facility_code"`
	Opening        float64 `json:"opening_m3"`
	Closing        float64 `json:"closing_m3"`
	Rainfall       float64 `json:"rainfall_m3"`
	Evaporation    float64 `json:"evaporation_m3"`
	SeepageLoss    float64 `json:"seepage_loss_m3"`
	DaysToMinimum  float64 `json:"days_to_minimum"` // clamped at 0
	IsBelowMinimum bool    `json:"is_below_minimum"`
}

// Balance is the computed record for one calendar month. It is a transient
// snapshot: it holds no pointers to store rows.
type Balance struct {
	CalcUUID string    `json:"calc_uuid"`
	CalcDate time.Time `json:"calc_date"`
	CalcType CalcType  `json:"calc_type"`

	OreTonnes         float64 `json:"ore_tonnes"`
	ConcentrateTonnes float64 `json:"concentrate_tonnes"`
	PlantGross        float64 `json:"plant_consumption_gross"`

	Inflows  Inflows  `json:"inflows"`
	Outflows Outflows `json:"outflows"`

	TotalInflows  float64 `json:"total_inflows"`
	TotalOutflows float64 `json:"total_outflows"`
	FreshInflows  float64 `json:"fresh_inflows"` // total inflows − recycled return
	StorageChange float64 `json:"storage_change"`
	SeepageLoss   float64 `json:"seepage_loss"` // accounting loss, in storage change only

	ClosureErrorM3  float64  `json:"closure_error_m3"`
	ClosureErrorPct *float64 `json:"closure_error_pct,omitempty"` // nil when fresh inflows < 100

	HasLowFreshInflows bool `json:"has_low_fresh_inflows"`

	Facilities       []FacilityMonth           `json:"facilities"`
	OpeningSnapshot  map[string]float64        `json:"opening_snapshot"`
	CapacityWarnings []CapacityWarning         `json:"capacity_warnings"`
	Flags            map[QualityFlag]bool      `json:"flags"`
	MetricStatuses   map[string]MetricStatus   `json:"metric_statuses"`

	CreatedAt time.Time `json:"created_at"`
}

// Flag records a quality finding
func (b *Balance) Flag(f QualityFlag) {
	if b.Flags == nil {
		b.Flags = make(map[QualityFlag]bool)
	}
	b.Flags[f] = true
}

// HasFlag reports whether a quality finding was recorded
func (b *Balance) HasFlag(f QualityFlag) bool {
	return b.Flags[f]
}

// MonthKey returns the YYYY-MM cache key for the balance month
func (b *Balance) MonthKey() string {
	return b.CalcDate.Format("2006-01")
}

// MonthKey formats a date as the YYYY-MM balance cache key
func MonthKey(date time.Time) string {
	return date.Format("2006-01")
}
