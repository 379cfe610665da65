package licensing

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/caliphsdev/waterbalance/internal/config"
	"github.com/caliphsdev/waterbalance/internal/events"
)

// expiryWarningDays is the lead time for expiry warnings
const expiryWarningDays = 7

// Manager is the process-wide authorisation authority. One instance is
// created at the composition root and passed by reference; the singleton
// guarantee is about lifecycle, not access mechanism. The background ticker
// calls Check; every reader takes a mutex snapshot.
type Manager struct {
	repo   *Repository
	client *Client
	cfg    config.Licensing
	events *events.Manager
	log    zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	state    State
	record   *Record
	hw       Components
	hwScore  float64
	features map[Tier]FeatureSet
	stateCh  chan State
}

// NewManager creates the license manager. The hardware fingerprint is
// collected once per process.
func NewManager(
	repo *Repository,
	client *Client,
	cfg config.Licensing,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Manager {
	l := log.With().Str("service", "license_manager").Logger()
	return &Manager{
		repo:     repo,
		client:   client,
		cfg:      cfg,
		events:   eventManager,
		log:      l,
		now:      time.Now,
		state:    StateInit,
		hw:       CollectComponents(l),
		features: defaultTierFeatures(),
		stateCh:  make(chan State, 8),
	}
}

// SetTierFeatures replaces the built-in capability map. The config package
// carries no tier feature keys, so nothing in the composition root calls it.
func (m *Manager) SetTierFeatures(features map[Tier]FeatureSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features = features
}

// SetHardware overrides the collected fingerprint; tests only
func (m *Manager) SetHardware(hw Components) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hw = hw
}

// SetClock overrides the time source; tests only
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// StateChanges returns the signal channel the main loop consumes. Posts are
// non-blocking; when the channel is full the new signal is dropped, and the
// latest state stays readable via State().
func (m *Manager) StateChanges() <-chan State {
	return m.stateCh
}

// State returns the current authorisation state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ValidateStartup loads the stored license and establishes the initial
// authorisation state, going online when a check is due.
func (m *Manager) ValidateStartup() (State, error) {
	rec, err := m.repo.Get()
	if err != nil {
		return StateInit, fmt.Errorf("failed to load license record: %w", err)
	}

	m.mu.Lock()
	m.record = rec
	m.mu.Unlock()

	state := m.refresh()
	m.log.Info().Str("state", string(state)).Msg("Startup license validation complete")
	return state, nil
}

// Check re-evaluates the license; called by the background ticker
func (m *Manager) Check() State {
	return m.refresh()
}

// refresh is the shared validation path. It decides offline when no online
// check is due, otherwise consults the registry and maps the outcome onto
// the state machine.
func (m *Manager) refresh() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.record
	if rec == nil {
		return m.setStateLocked(StateUnactivated)
	}

	now := m.now()

	m.hwScore = Similarity(m.hw, rec.Components())
	if m.hwScore < m.cfg.SimilarityThreshold {
		m.repo.Audit(rec.ID, AuditHardwareMismatch,
			fmt.Sprintf("similarity %.2f below threshold %.2f", m.hwScore, m.cfg.SimilarityThreshold))
		return m.setStateLocked(StateHardwareMismatch)
	}

	if m.onlineCheckDueLocked(now) {
		return m.onlineRefreshLocked(now)
	}

	return m.offlineVerdictLocked(now)
}

func (m *Manager) onlineCheckDueLocked(now time.Time) bool {
	if m.record.LastOnlineCheck == nil {
		return true
	}
	return now.Sub(*m.record.LastOnlineCheck) >= m.checkIntervalLocked()
}

// onlineRefreshLocked consults the registry and applies the outcome
func (m *Manager) onlineRefreshLocked(now time.Time) State {
	rec := m.record
	result := m.client.Validate(rec.Key, m.hw)

	if !result.Reachable {
		m.repo.Audit(rec.ID, AuditNetworkError, result.Reason)
		if rec.OfflineGraceUntil != nil && !now.After(*rec.OfflineGraceUntil) {
			m.repo.Audit(rec.ID, AuditOfflineGrace,
				fmt.Sprintf("grace until %s", rec.OfflineGraceUntil.Format(time.RFC3339)))
			return m.setStateLocked(StateGraceOffline)
		}
		m.repo.Audit(rec.ID, AuditOnlineFailed, "offline grace exceeded")
		return m.setStateLocked(StateExpired)
	}

	if result.InvalidKey {
		rec.Status = RemoteStatusRevoked
		m.saveLocked(rec)
		m.repo.Audit(rec.ID, AuditRevokeObserved, "license key rejected by registry")
		return m.setStateLocked(StateRevoked)
	}

	switch result.Status {
	case RemoteStatusActive:
		rec.Status = RemoteStatusActive
		if result.Tier != "" {
			rec.Tier = result.Tier
		}
		if !result.ExpiryDate.IsZero() {
			rec.ExpiryDate = result.ExpiryDate
		}
		checkedAt := now
		graceUntil := now.Add(time.Duration(m.cfg.OfflineGraceDays) * 24 * time.Hour)
		rec.LastOnlineCheck = &checkedAt
		rec.OfflineGraceUntil = &graceUntil
		if result.TransferCount > 0 {
			rec.TransferCount = result.TransferCount
		}
		m.saveLocked(rec)
		m.repo.Audit(rec.ID, AuditValidate, "online validation succeeded")
		m.warnOnExpiryLocked(now)

		if now.After(rec.ExpiryDate) {
			return m.setStateLocked(StateExpired)
		}
		return m.setStateLocked(StateActive)

	case RemoteStatusRevoked:
		rec.Status = RemoteStatusRevoked
		m.saveLocked(rec)
		m.repo.Audit(rec.ID, AuditRevokeObserved, "registry reported revoked")
		if m.events != nil {
			m.events.Emit(events.LicenseRevoked, "licensing", map[string]interface{}{"key": rec.Key})
		}
		return m.setStateLocked(StateRevoked)

	case RemoteStatusExpired:
		rec.Status = RemoteStatusExpired
		m.saveLocked(rec)
		return m.setStateLocked(StateExpired)

	default:
		// pending or unknown: activation incomplete, never authorised
		m.repo.Audit(rec.ID, AuditValidate, "registry status "+result.Status)
		return m.setStateLocked(StateUnactivated)
	}
}

// offlineVerdictLocked decides from the local record alone
func (m *Manager) offlineVerdictLocked(now time.Time) State {
	rec := m.record
	switch rec.Status {
	case RemoteStatusRevoked:
		return m.setStateLocked(StateRevoked)
	case RemoteStatusExpired:
		return m.setStateLocked(StateExpired)
	}

	if now.After(rec.ExpiryDate) {
		return m.setStateLocked(StateExpired)
	}

	m.warnOnExpiryLocked(now)
	return m.setStateLocked(StateActive)
}

func (m *Manager) warnOnExpiryLocked(now time.Time) {
	days := int(m.record.ExpiryDate.Sub(now).Hours() / 24)
	if days >= 0 && days <= expiryWarningDays {
		m.log.Warn().Int("days_remaining", days).Msg("License expires soon")
		m.repo.Audit(m.record.ID, AuditExpiryWarning, fmt.Sprintf("%d days remaining", days))
	}
}

// CheckInstantRevocation is the lightweight pre-operation probe. Returns
// true iff the license is not revoked. An online revocation observed here
// takes effect immediately.
func (m *Manager) CheckInstantRevocation() bool {
	m.mu.RLock()
	rec := m.record
	state := m.state
	m.mu.RUnlock()

	if state == StateRevoked {
		return false
	}
	if rec == nil {
		return true // unactivated is blocked elsewhere; it is not revoked
	}

	reachable, revoked := m.client.RevocationCheck(rec.Key)
	if reachable && revoked {
		m.mu.Lock()
		rec.Status = RemoteStatusRevoked
		m.saveLocked(rec)
		m.repo.Audit(rec.ID, AuditRevokeObserved, "instant revocation check")
		m.setStateLocked(StateRevoked)
		m.mu.Unlock()
		return false
	}
	return true
}

// Activate registers a license key for this device
func (m *Manager) Activate(licenseKey string, user UserInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := m.client.Activate(licenseKey, user, m.hw)
	if !result.Reachable {
		return fmt.Errorf("license registry unreachable: %s", result.Reason)
	}
	if result.InvalidKey || result.Status == RemoteStatusRevoked {
		return fmt.Errorf("%w: contact %s", ErrInvalidKey, m.cfg.SupportEmail)
	}
	if result.Status != RemoteStatusActive {
		return fmt.Errorf("license not active (status %q): contact %s", result.Status, m.cfg.SupportEmail)
	}

	now := m.now()
	expiry := result.ExpiryDate
	if expiry.IsZero() {
		expiry = now.Add(result.Tier.ExpiryDuration())
	}
	graceUntil := now.Add(time.Duration(m.cfg.OfflineGraceDays) * 24 * time.Hour)

	rec := &Record{
		Key:               licenseKey,
		Tier:              result.Tier,
		Status:            RemoteStatusActive,
		ExpiryDate:        expiry,
		HW1:               m.hw.Motherboard,
		HW2:               m.hw.CPU,
		HW3:               m.hw.MAC,
		LastOnlineCheck:   &now,
		OfflineGraceUntil: &graceUntil,
		TransferCount:     result.TransferCount,
		ActivatedAt:       now,
	}
	if err := m.repo.Save(rec); err != nil {
		return err
	}

	m.record = rec
	m.hwScore = 1.0
	m.repo.Audit(rec.ID, AuditActivate, "license activated for "+user.Email)
	if m.events != nil {
		m.events.Emit(events.LicenseActivated, "licensing", map[string]interface{}{
			"tier": string(rec.Tier),
		})
	}
	m.setStateLocked(StateActive)
	return nil
}

// RequestTransfer rebinds the license to the current host. The quota is
// enforced locally before any network call.
func (m *Manager) RequestTransfer() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.record
	if rec == nil {
		return ErrAuthDenied
	}

	if rec.TransferCount >= m.cfg.MaxTransfers {
		m.repo.Audit(rec.ID, AuditTransferLimit,
			fmt.Sprintf("transfer_count %d at limit %d", rec.TransferCount, m.cfg.MaxTransfers))
		return fmt.Errorf("%w (%d of %d used): contact %s",
			ErrTransferLimit, rec.TransferCount, m.cfg.MaxTransfers, m.cfg.SupportEmail)
	}

	result := m.client.Transfer(rec.Key, m.hw)
	if !result.Reachable {
		return fmt.Errorf("license registry unreachable: %s", result.Reason)
	}
	if result.InvalidKey || result.Status != RemoteStatusActive {
		return fmt.Errorf("transfer refused (status %q): contact %s", result.Status, m.cfg.SupportEmail)
	}

	rec.HW1 = m.hw.Motherboard
	rec.HW2 = m.hw.CPU
	rec.HW3 = m.hw.MAC
	if result.TransferCount > 0 {
		rec.TransferCount = result.TransferCount
	} else {
		rec.TransferCount++
	}
	if !result.ExpiryDate.IsZero() {
		rec.ExpiryDate = result.ExpiryDate
	}
	if err := m.repo.Save(rec); err != nil {
		return err
	}

	m.hwScore = 1.0
	m.repo.Audit(rec.ID, AuditTransfer, fmt.Sprintf("transfer_count now %d", rec.TransferCount))
	if m.events != nil {
		m.events.Emit(events.LicenseTransferred, "licensing", map[string]interface{}{
			"transfer_count": rec.TransferCount,
		})
	}
	m.setStateLocked(StateActive)
	return nil
}

// HasFeature reports whether the current tier carries a named capability
func (m *Manager) HasFeature(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.record == nil {
		return false
	}
	set, ok := m.features[m.record.Tier]
	if !ok {
		return false
	}
	return set.Features[name]
}

// GetFeatureLimit returns the numeric limit for a named capability, 0 when
// unknown
func (m *Manager) GetFeatureLimit(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.record == nil {
		return 0
	}
	set, ok := m.features[m.record.Tier]
	if !ok {
		return 0
	}
	return set.Limits[name]
}

// ReportMonthlyUsage posts usage statistics in the background;
// fire-and-forget
func (m *Manager) ReportMonthlyUsage(stats UsageStats) {
	m.mu.RLock()
	rec := m.record
	m.mu.RUnlock()
	if rec == nil {
		return
	}

	go func() {
		if err := m.client.ReportUsage(rec.Key, stats); err != nil {
			m.log.Warn().Err(err).Str("month", stats.Month).Msg("Usage report failed")
		}
	}()
}

// Snapshot returns the current status for callers and the UI
func (m *Manager) Snapshot() StatusSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := StatusSnapshot{
		State:              m.state,
		HardwareMatchScore: m.hwScore,
	}
	if m.record != nil {
		snap.Tier = m.record.Tier
		expiry := m.record.ExpiryDate
		snap.Expiry = &expiry
		snap.TransferCount = m.record.TransferCount
		if days := int(expiry.Sub(m.now()).Hours() / 24); days > 0 {
			snap.DaysRemaining = days
		}
	}
	return snap
}

// CheckInterval returns the online check cadence for the current tier,
// floored by the configured minimum
func (m *Manager) CheckInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkIntervalLocked()
}

func (m *Manager) checkIntervalLocked() time.Duration {
	hours := m.cfg.CheckIntervals.Standard
	if m.record != nil {
		switch m.record.Tier {
		case TierTrial:
			hours = m.cfg.CheckIntervals.Trial
		case TierPremium:
			hours = m.cfg.CheckIntervals.Premium
		}
	}
	if hours < m.cfg.MinCheckIntervalHrs {
		hours = m.cfg.MinCheckIntervalHrs
	}
	if hours < 1 {
		hours = 1
	}
	return time.Duration(hours) * time.Hour
}

// setStateLocked records a state change and posts the signal the main
// thread consumes on its next idle tick
func (m *Manager) setStateLocked(next State) State {
	if m.state == next {
		return next
	}
	m.log.Info().
		Str("from", string(m.state)).
		Str("to", string(next)).
		Msg("License state changed")
	m.state = next

	select {
	case m.stateCh <- next:
	default:
		// Slow consumer: the latest state is always readable via State()
	}
	return next
}

func (m *Manager) saveLocked(rec *Record) {
	if err := m.repo.Save(rec); err != nil {
		m.log.Error().Err(err).Msg("Failed to persist license record")
	}
}
