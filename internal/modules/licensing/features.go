package licensing

// FeatureSet is the capability map for one tier
type FeatureSet struct {
	Features map[string]bool
	Limits   map[string]float64
}

// Feature names gated by tier
const (
	FeatureAutoPumpTransfers = "auto_pump_transfers"
	FeatureTrendDiagnostics  = "trend_diagnostics"
	FeatureUsageReports      = "usage_reports"
	LimitMaxFacilities       = "max_facilities"
	LimitHistoryMonths       = "history_months"
)

// defaultTierFeatures is the built-in capability map, overridable via
// Manager.SetTierFeatures at composition time
func defaultTierFeatures() map[Tier]FeatureSet {
	return map[Tier]FeatureSet{
		TierTrial: {
			Features: map[string]bool{
				FeatureAutoPumpTransfers: false,
				FeatureTrendDiagnostics:  false,
				FeatureUsageReports:      true,
			},
			Limits: map[string]float64{
				LimitMaxFacilities: 5,
				LimitHistoryMonths: 3,
			},
		},
		TierStandard: {
			Features: map[string]bool{
				FeatureAutoPumpTransfers: true,
				FeatureTrendDiagnostics:  true,
				FeatureUsageReports:      true,
			},
			Limits: map[string]float64{
				LimitMaxFacilities: 25,
				LimitHistoryMonths: 24,
			},
		},
		TierPremium: {
			Features: map[string]bool{
				FeatureAutoPumpTransfers: true,
				FeatureTrendDiagnostics:  true,
				FeatureUsageReports:      true,
			},
			Limits: map[string]float64{
				LimitMaxFacilities: 200,
				LimitHistoryMonths: 120,
			},
		},
	}
}
