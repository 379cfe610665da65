package scheduler

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/caliphsdev/waterbalance/internal/modules/licensing"
	"github.com/caliphsdev/waterbalance/internal/modules/transfers"
)

// UsageReportJob posts last month's usage statistics to the license
// registry on the first of each month
type UsageReportJob struct {
	db       *sql.DB
	transfers *transfers.Repository
	manager  *licensing.Manager
	log      zerolog.Logger
}

// NewUsageReportJob creates the monthly usage report job
func NewUsageReportJob(
	db *sql.DB,
	transfersRepo *transfers.Repository,
	manager *licensing.Manager,
	log zerolog.Logger,
) *UsageReportJob {
	return &UsageReportJob{
		db:        db,
		transfers: transfersRepo,
		manager:   manager,
		log:       log.With().Str("job", "usage_report").Logger(),
	}
}

// Name implements Job
func (j *UsageReportJob) Name() string { return "usage_report" }

// Run gathers last month's counters and fires the report
func (j *UsageReportJob) Run() error {
	now := time.Now()
	firstOfThisMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	firstOfLastMonth := firstOfThisMonth.AddDate(0, -1, 0)

	var calcCount int
	err := j.db.QueryRow(
		"SELECT COUNT(*) FROM calculations WHERE calc_date >= ? AND calc_date < ?",
		firstOfLastMonth.Format("2006-01-02"), firstOfThisMonth.Format("2006-01-02"),
	).Scan(&calcCount)
	if err != nil {
		return fmt.Errorf("failed to count calculations: %w", err)
	}

	sinceLastMonth, err := j.transfers.CountSince(firstOfLastMonth.Format("2006-01-02"))
	if err != nil {
		return err
	}
	sinceThisMonth, err := j.transfers.CountSince(firstOfThisMonth.Format("2006-01-02"))
	if err != nil {
		return err
	}
	transferCount := sinceLastMonth - sinceThisMonth

	j.manager.ReportMonthlyUsage(licensing.UsageStats{
		Month:            firstOfLastMonth.Format("2006-01"),
		CalculationsRun:  calcCount,
		TransfersApplied: transferCount,
	})

	j.log.Info().
		Str("month", firstOfLastMonth.Format("2006-01")).
		Int("calculations", calcCount).
		Int("transfers", transferCount).
		Msg("Usage report dispatched")
	return nil
}
