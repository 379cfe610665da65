package scheduler

import (
	"github.com/rs/zerolog"

	"github.com/caliphsdev/waterbalance/internal/modules/licensing"
)

// RevocationSweepJob runs a daily instant-revocation probe in addition to
// the tier-cadence ticker, so a revocation never waits out a long premium
// interval.
type RevocationSweepJob struct {
	manager *licensing.Manager
	log     zerolog.Logger
}

// NewRevocationSweepJob creates the daily revocation sweep
func NewRevocationSweepJob(manager *licensing.Manager, log zerolog.Logger) *RevocationSweepJob {
	return &RevocationSweepJob{
		manager: manager,
		log:     log.With().Str("job", "revocation_sweep").Logger(),
	}
}

// Name implements Job
func (j *RevocationSweepJob) Name() string { return "revocation_sweep" }

// Run probes for revocation; the manager handles the state transition
func (j *RevocationSweepJob) Run() error {
	if !j.manager.CheckInstantRevocation() {
		j.log.Warn().Msg("License revoked; protected operations blocked")
	}
	return nil
}
