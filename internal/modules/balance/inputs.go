package balance

import (
	"time"

	"github.com/caliphsdev/waterbalance/internal/modules/timeseries"
)

// TimeSeries is the read-only monthly view the calculator consumes. Values
// are monthly sums; nil means no measurement exists for that month.
type TimeSeries interface {
	Value(date time.Time, field string) (*float64, error)
	ValueForFacility(date time.Time, field, facilityCode string) (*float64, error)
	LatestDate() (*time.Time, error)
	SourcePath() string
}

// SourceScopedSeries is implemented by repositories that can scope a field
// to a single source code. The concrete sqlite repository satisfies it; the
// calculator degrades to aggregate sums when a series does not.
type SourceScopedSeries interface {
	ValueForSource(date time.Time, field, sourceCode string) (*float64, error)
}

// inputResolver walks the input priority chain for one calculation:
// manual override, then the meter-readings view, then the flow-diagram
// view, then a constant or literal fallback. Every substitution below the
// time-series level is flagged on the balance being built, except for the
// optional inputs whose absence simply means zero (aquifer seepage,
// discharge, concentrate tonnes).
type inputResolver struct {
	date      time.Time
	overrides *OverrideRepository
	meters    TimeSeries
	flows     TimeSeries
	balance   *Balance
}

// fromSeries returns the first monthly sum found across the two views
func (r *inputResolver) fromSeries(field string) (*float64, error) {
	if r.meters != nil {
		v, err := r.meters.Value(r.date, field)
		if err != nil {
			return nil, err
		}
		if v != nil {
			return v, nil
		}
	}
	if r.flows != nil {
		v, err := r.flows.Value(r.date, field)
		if err != nil {
			return nil, err
		}
		if v != nil {
			return v, nil
		}
	}
	return nil, nil
}

// resolve returns override → series → fallback, flagging the fallback case
func (r *inputResolver) resolve(key, field string, fallback float64, flag QualityFlag) (float64, error) {
	if r.overrides != nil {
		v, err := r.overrides.Get(r.date, key)
		if err != nil {
			return 0, err
		}
		if v != nil {
			return *v, nil
		}
	}

	v, err := r.fromSeries(field)
	if err != nil {
		return 0, err
	}
	if v != nil {
		return *v, nil
	}

	if flag != "" {
		r.balance.Flag(flag)
		r.balance.Flag(FlagSubstitutedInput)
	}
	return fallback, nil
}

// resolveOptional returns override → series → nil without flagging
func (r *inputResolver) resolveOptional(key, field string) (*float64, error) {
	if r.overrides != nil {
		v, err := r.overrides.Get(r.date, key)
		if err != nil {
			return nil, err
		}
		if v != nil {
			return v, nil
		}
	}
	return r.fromSeries(field)
}

// sumForActiveSources sums a field across the given source codes. Sources
// without measurements contribute 0.
func sumForActiveSources(series TimeSeries, date time.Time, field string, sourceCodes []string) (float64, error) {
	scoped, ok := series.(SourceScopedSeries)
	if !ok {
		// Aggregate fallback: the monthly field sum across all rows
		v, err := series.Value(date, field)
		if err != nil || v == nil {
			return 0, err
		}
		return *v, nil
	}

	total := 0.0
	for _, code := range sourceCodes {
		v, err := scoped.ValueForSource(date, field, code)
		if err != nil {
			return 0, err
		}
		if v != nil {
			total += *v
		}
	}
	return total, nil
}

// Compile-time check that the sqlite repository satisfies both interfaces
var (
	_ TimeSeries         = (*timeseries.Repository)(nil)
	_ SourceScopedSeries = (*timeseries.Repository)(nil)
)
