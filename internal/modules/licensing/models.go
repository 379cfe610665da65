package licensing

import (
	"errors"
	"time"
)

// State is the manager's authorisation verdict
type State string

const (
	StateInit             State = "INIT"
	StateUnactivated      State = "UNACTIVATED"
	StateActive           State = "ACTIVE"
	StateGraceOffline     State = "GRACE_OFFLINE"
	StateExpired          State = "EXPIRED"
	StateRevoked          State = "REVOKED"
	StateHardwareMismatch State = "HARDWARE_MISMATCH"
)

// Authorised reports whether protected operations may run in this state
func (s State) Authorised() bool {
	return s == StateActive || s == StateGraceOffline
}

// Tier is the purchased license level
type Tier string

const (
	TierTrial    Tier = "trial"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// ExpiryDuration is the default license lifetime granted at activation
func (t Tier) ExpiryDuration() time.Duration {
	switch t {
	case TierTrial:
		return 30 * 24 * time.Hour
	case TierPremium:
		return 730 * 24 * time.Hour
	default:
		return 365 * 24 * time.Hour
	}
}

// Remote license statuses carried on the wire
const (
	RemoteStatusActive  = "active"
	RemoteStatusRevoked = "revoked"
	RemoteStatusExpired = "expired"
	RemoteStatusPending = "pending"
)

// Record is the persisted license row; one per device
type Record struct {
	ID                int64      `json:"license_id"`
	Key               string     `json:"license_key"`
	Tier              Tier       `json:"tier"`
	Status            string     `json:"status"`
	ExpiryDate        time.Time  `json:"expiry_date"`
	HW1               string     `json:"hw_1"` // motherboard hash
	HW2               string     `json:"hw_2"` // CPU hash
	HW3               string     `json:"hw_3"` // MAC hash
	LastOnlineCheck   *time.Time `json:"last_online_check,omitempty"`
	OfflineGraceUntil *time.Time `json:"offline_grace_until,omitempty"`
	TransferCount     int        `json:"transfer_count"`
	ActivatedAt       time.Time  `json:"activated_at"`
}

// Components returns the record's bound hardware components in slot order
func (r *Record) Components() Components {
	return Components{Motherboard: r.HW1, CPU: r.HW2, MAC: r.HW3}
}

// AuditEventType is the closed enumeration of audit log events
type AuditEventType string

const (
	AuditActivate         AuditEventType = "activate"
	AuditValidate         AuditEventType = "validate"
	AuditTransfer         AuditEventType = "transfer"
	AuditRevokeObserved   AuditEventType = "revoke_observed"
	AuditExpiryWarning    AuditEventType = "expiry_warning"
	AuditTransferLimit    AuditEventType = "transfer_limit"
	AuditHardwareMismatch AuditEventType = "hardware_mismatch"
	AuditOfflineGrace     AuditEventType = "offline_grace"
	AuditOnlineFailed     AuditEventType = "online_failed"
	AuditNetworkError     AuditEventType = "network_error"
)

// UserInfo identifies the licensee on activation
type UserInfo struct {
	Name  string `json:"licensee_name"`
	Email string `json:"licensee_email"`
}

// UsageStats is the monthly usage payload
type UsageStats struct {
	Month             string `json:"month"` // YYYY-MM
	CalculationsRun   int    `json:"calculations_run"`
	TransfersApplied  int    `json:"transfers_applied"`
}

// StatusSnapshot is the read-only view handed to callers and the UI
type StatusSnapshot struct {
	State              State      `json:"state"`
	Tier               Tier       `json:"tier"`
	Expiry             *time.Time `json:"expiry,omitempty"`
	DaysRemaining      int        `json:"days_remaining"`
	TransferCount      int        `json:"transfer_count"`
	HardwareMatchScore float64    `json:"hardware_match_score"`
}

// ErrTransferLimit is returned when the transfer quota is exhausted. The
// wrapping error message carries the support contact.
var ErrTransferLimit = errors.New("license transfer limit reached")

// ErrAuthDenied is returned when a protected operation runs without a valid
// license
var ErrAuthDenied = errors.New("license not valid")

// ErrInvalidKey is returned when the registry rejects the license key
var ErrInvalidKey = errors.New("license key rejected")
