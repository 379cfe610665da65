package licensing

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/caliphsdev/waterbalance/internal/config"
)

// fakeRegistry is a programmable license registry endpoint
type fakeRegistry struct {
	mu     sync.Mutex
	mode   string // active, revoked, expired, malformed
	calls  int
	server *httptest.Server
}

func newFakeRegistry() *fakeRegistry {
	f := &fakeRegistry{mode: "active"}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls++
		mode := f.mode
		f.mu.Unlock()

		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)

		switch mode {
		case "malformed":
			json.NewEncoder(w).Encode(map[string]interface{}{})
		case "revoked":
			if body["event_type"] == "revocation_check" {
				json.NewEncoder(w).Encode(map[string]interface{}{"revoked": true})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status":       "revoked",
				"license_tier": "standard",
				"expiry_date":  "2030-01-01",
			})
		case "expired":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status":       "expired",
				"license_tier": "standard",
				"expiry_date":  "2020-01-01",
			})
		default:
			if body["event_type"] == "revocation_check" {
				json.NewEncoder(w).Encode(map[string]interface{}{"revoked": false})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status":       "active",
				"license_tier": "standard",
				"expiry_date":  "2030-01-01",
			})
		}
	}))
	return f
}

func (f *fakeRegistry) setMode(mode string) {
	f.mu.Lock()
	f.mode = mode
	f.mu.Unlock()
}

func (f *fakeRegistry) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testLicensingConfig() config.Licensing {
	return config.Licensing{
		MaxTransfers:        3,
		OfflineGraceDays:    7,
		SimilarityThreshold: 0.60,
		CheckIntervals:      config.TierIntervals{Trial: 1, Standard: 24, Premium: 168},
		MinCheckIntervalHrs: 1,
		SupportEmail:        "support@example.com",
	}
}

func setupManager(t *testing.T) (*Manager, *fakeRegistry, *Repository) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, InitSchema(db))

	registry := newFakeRegistry()
	t.Cleanup(registry.server.Close)

	log := zerolog.Nop()
	repo := NewRepository(db, log)
	client := NewClient(registry.server.URL, "test-key", time.Second, log)
	manager := NewManager(repo, client, testLicensingConfig(), nil, log)
	manager.SetHardware(testComponents())
	return manager, registry, repo
}

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func seedRecord(t *testing.T, repo *Repository, mutate func(*Record)) {
	t.Helper()
	hw := testComponents()
	rec := &Record{
		Key:         "WB-1234",
		Tier:        TierStandard,
		Status:      RemoteStatusActive,
		ExpiryDate:  t0.AddDate(1, 0, 0),
		HW1:         hw.Motherboard,
		HW2:         hw.CPU,
		HW3:         hw.MAC,
		ActivatedAt: t0.AddDate(0, -1, 0),
	}
	if mutate != nil {
		mutate(rec)
	}
	require.NoError(t, repo.Save(rec))
}

func TestStartupUnactivated(t *testing.T) {
	manager, _, _ := setupManager(t)

	state, err := manager.ValidateStartup()
	require.NoError(t, err)
	assert.Equal(t, StateUnactivated, state)
	assert.False(t, state.Authorised())
}

func TestStartupOnlineValidation(t *testing.T) {
	manager, registry, repo := setupManager(t)
	seedRecord(t, repo, nil) // no last online check: first run goes online
	manager.SetClock(func() time.Time { return t0 })

	state, err := manager.ValidateStartup()
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)
	assert.Equal(t, 1, registry.callCount())

	rec, err := repo.Get()
	require.NoError(t, err)
	require.NotNil(t, rec.LastOnlineCheck)
	require.NotNil(t, rec.OfflineGraceUntil)
	assert.True(t, rec.OfflineGraceUntil.Equal(t0.Add(7*24*time.Hour)))
}

func TestStartupOfflineWithinInterval(t *testing.T) {
	manager, registry, repo := setupManager(t)
	lastCheck := t0.Add(-time.Hour) // checked an hour ago, standard is 24h
	seedRecord(t, repo, func(r *Record) { r.LastOnlineCheck = &lastCheck })
	manager.SetClock(func() time.Time { return t0 })

	state, err := manager.ValidateStartup()
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)
	assert.Equal(t, 0, registry.callCount())
}

func TestOfflineGraceThenRevocation(t *testing.T) {
	manager, registry, repo := setupManager(t)
	seedRecord(t, repo, nil)

	// t0: successful online check establishes the grace window
	now := t0
	manager.SetClock(func() time.Time { return now })
	state, err := manager.ValidateStartup()
	require.NoError(t, err)
	require.Equal(t, StateActive, state)

	// t0+5d: registry unreachable (malformed answers are never trusted);
	// still inside grace, so the app keeps running
	registry.setMode("malformed")
	now = t0.Add(5 * 24 * time.Hour)
	assert.Equal(t, StateGraceOffline, manager.Check())
	assert.True(t, manager.State().Authorised())

	// t0+6d: registry back and reports revoked; effect is immediate
	registry.setMode("revoked")
	now = t0.Add(6 * 24 * time.Hour)
	assert.Equal(t, StateRevoked, manager.Check())
	assert.False(t, manager.CheckInstantRevocation())
	assert.False(t, manager.State().Authorised())
}

func TestOfflineGraceExceeded(t *testing.T) {
	manager, registry, repo := setupManager(t)
	seedRecord(t, repo, nil)

	now := t0
	manager.SetClock(func() time.Time { return now })
	state, err := manager.ValidateStartup()
	require.NoError(t, err)
	require.Equal(t, StateActive, state)

	registry.setMode("malformed")
	now = t0.Add(8 * 24 * time.Hour) // past the 7-day grace
	assert.Equal(t, StateExpired, manager.Check())
	assert.False(t, manager.State().Authorised())
}

func mustState(t *testing.T, state State, err error) State {
	t.Helper()
	require.NoError(t, err)
	return state
}

func TestHardwareMismatch(t *testing.T) {
	manager, _, repo := setupManager(t)
	seedRecord(t, repo, func(r *Record) {
		// Only the MAC matches: score 0.30 < 0.60 threshold
		r.HW1 = "other-mb"
		r.HW2 = "other-cpu"
	})
	manager.SetClock(func() time.Time { return t0 })

	state, err := manager.ValidateStartup()
	require.NoError(t, err)
	assert.Equal(t, StateHardwareMismatch, state)
	assert.False(t, state.Authorised())

	snap := manager.Snapshot()
	assert.InDelta(t, 0.30, snap.HardwareMatchScore, 0.0001)
}

func TestExpiredLicense(t *testing.T) {
	manager, _, repo := setupManager(t)
	lastCheck := t0.Add(-time.Hour)
	seedRecord(t, repo, func(r *Record) {
		r.ExpiryDate = t0.AddDate(0, 0, -1)
		r.LastOnlineCheck = &lastCheck
	})
	manager.SetClock(func() time.Time { return t0 })

	state, err := manager.ValidateStartup()
	require.NoError(t, err)
	assert.Equal(t, StateExpired, state)
}

func TestActivate(t *testing.T) {
	manager, _, repo := setupManager(t)
	manager.SetClock(func() time.Time { return t0 })

	state, err := manager.ValidateStartup()
	require.NoError(t, err)
	require.Equal(t, StateUnactivated, state)

	err = manager.Activate("WB-9999", UserInfo{Name: "Ops", Email: "ops@mine.example"})
	require.NoError(t, err)
	assert.Equal(t, StateActive, manager.State())

	rec, err := repo.Get()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "WB-9999", rec.Key)
	assert.Equal(t, TierStandard, rec.Tier)
	hw := testComponents()
	assert.Equal(t, hw.Motherboard, rec.HW1)
	assert.Equal(t, hw.CPU, rec.HW2)
	assert.Equal(t, hw.MAC, rec.HW3)
}

func TestTransferQuotaEnforcedBeforeNetwork(t *testing.T) {
	manager, registry, repo := setupManager(t)
	lastCheck := t0
	seedRecord(t, repo, func(r *Record) {
		r.TransferCount = 3
		r.LastOnlineCheck = &lastCheck
	})
	manager.SetClock(func() time.Time { return t0 })
	state, err := manager.ValidateStartup()
	require.NoError(t, err)
	require.Equal(t, StateActive, state)
	callsBefore := registry.callCount()

	err = manager.RequestTransfer()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransferLimit)
	assert.Contains(t, err.Error(), "support@example.com")

	// No network call was made and the counter is unchanged
	assert.Equal(t, callsBefore, registry.callCount())
	rec, _ := repo.Get()
	assert.Equal(t, 3, rec.TransferCount)
}

func TestTransferIncrementsExactlyOnce(t *testing.T) {
	manager, registry, repo := setupManager(t)
	lastCheck := t0
	seedRecord(t, repo, func(r *Record) {
		r.TransferCount = 1
		r.LastOnlineCheck = &lastCheck
	})
	manager.SetClock(func() time.Time { return t0 })
	state, err := manager.ValidateStartup()
	require.NoError(t, err)
	require.Equal(t, StateActive, state)

	require.NoError(t, manager.RequestTransfer())
	rec, _ := repo.Get()
	assert.Equal(t, 2, rec.TransferCount)

	// A failing transfer leaves the counter alone
	registry.setMode("malformed")
	err = manager.RequestTransfer()
	require.Error(t, err)
	rec, _ = repo.Get()
	assert.Equal(t, 2, rec.TransferCount)
}

func TestInstantRevocation(t *testing.T) {
	manager, registry, repo := setupManager(t)
	lastCheck := t0
	seedRecord(t, repo, func(r *Record) { r.LastOnlineCheck = &lastCheck })
	manager.SetClock(func() time.Time { return t0 })
	state, err := manager.ValidateStartup()
	require.NoError(t, err)
	require.Equal(t, StateActive, state)

	assert.True(t, manager.CheckInstantRevocation())

	registry.setMode("revoked")
	assert.False(t, manager.CheckInstantRevocation())
	assert.Equal(t, StateRevoked, manager.State())
}

func TestTierFeatures(t *testing.T) {
	manager, _, repo := setupManager(t)
	lastCheck := t0
	seedRecord(t, repo, func(r *Record) {
		r.Tier = TierTrial
		r.LastOnlineCheck = &lastCheck
	})
	manager.SetClock(func() time.Time { return t0 })
	state, err := manager.ValidateStartup()
	require.NoError(t, err)
	require.Equal(t, StateActive, state)

	assert.False(t, manager.HasFeature(FeatureAutoPumpTransfers))
	assert.True(t, manager.HasFeature(FeatureUsageReports))
	assert.InDelta(t, 5, manager.GetFeatureLimit(LimitMaxFacilities), 0.001)
	assert.InDelta(t, 0, manager.GetFeatureLimit("unknown"), 0.001)
}

func TestCheckIntervalPerTier(t *testing.T) {
	manager, _, repo := setupManager(t)
	lastCheck := t0
	seedRecord(t, repo, func(r *Record) {
		r.Tier = TierTrial
		r.LastOnlineCheck = &lastCheck
	})
	manager.SetClock(func() time.Time { return t0 })
	_, err := manager.ValidateStartup()
	require.NoError(t, err)

	assert.Equal(t, time.Hour, manager.CheckInterval())
}

func TestStateChangeSignal(t *testing.T) {
	manager, registry, repo := setupManager(t)
	seedRecord(t, repo, nil)
	manager.SetClock(func() time.Time { return t0 })

	_, err := manager.ValidateStartup()
	require.NoError(t, err)

	// Drain the activation signal
	drainStates(manager)

	registry.setMode("revoked")
	manager.SetClock(func() time.Time { return t0.Add(25 * time.Hour) })
	manager.Check()

	select {
	case state := <-manager.StateChanges():
		assert.Equal(t, StateRevoked, state)
	default:
		t.Fatal("expected a state change signal")
	}
}

func drainStates(m *Manager) {
	for {
		select {
		case <-m.StateChanges():
		default:
			return
		}
	}
}
