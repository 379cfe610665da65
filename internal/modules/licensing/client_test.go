package licensing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testComponents() Components {
	return Components{Motherboard: "mb-hash", CPU: "cpu-hash", MAC: "mac-hash"}
}

func TestClientValidateSuccess(t *testing.T) {
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret-key", r.Header.Get("X-API-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":         "active",
			"license_tier":   "standard",
			"expiry_date":    "2025-06-30",
			"transfer_count": 1,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-key", time.Second, zerolog.Nop())
	result := client.Validate("WB-1234", testComponents())

	require.True(t, result.Reachable)
	assert.Equal(t, RemoteStatusActive, result.Status)
	assert.Equal(t, TierStandard, result.Tier)
	assert.Equal(t, 1, result.TransferCount)
	assert.Equal(t, "2025-06-30", result.ExpiryDate.Format("2006-01-02"))

	// Positional hardware slots are stable: 1=motherboard, 2=CPU, 3=MAC
	assert.Equal(t, "WB-1234", gotBody["license_key"])
	assert.Equal(t, "mb-hash", gotBody["hw1"])
	assert.Equal(t, "cpu-hash", gotBody["hw2"])
	assert.Equal(t, "mac-hash", gotBody["hw3"])
	assert.Equal(t, "validate", gotBody["event_type"])
}

func TestClientMissingFieldsNeverActive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Status present but no expiry: untrustworthy
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "active"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", time.Second, zerolog.Nop())
	result := client.Validate("WB-1234", testComponents())

	assert.False(t, result.Reachable)
	assert.NotEqual(t, RemoteStatusActive, result.Status)
}

func TestClientUnauthorizedNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(server.URL, "bad-key", time.Second, zerolog.Nop())
	result := client.Validate("WB-1234", testComponents())

	assert.True(t, result.Reachable)
	assert.True(t, result.InvalidKey)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":       "active",
			"license_tier": "trial",
			"expiry_date":  "2025-01-31",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", time.Second, zerolog.Nop())
	result := client.Validate("WB-1234", testComponents())

	assert.True(t, result.Reachable)
	assert.Equal(t, RemoteStatusActive, result.Status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClientUnreachable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1/webhook", "k", 500*time.Millisecond, zerolog.Nop())

	reachable, revoked := client.RevocationCheck("WB-1234")
	assert.False(t, reachable)
	assert.False(t, revoked)
}

func TestClientNetworkFailureNotRetried(t *testing.T) {
	client := NewClient("http://127.0.0.1:1/webhook", "k", 500*time.Millisecond, zerolog.Nop())

	start := time.Now()
	result := client.Validate("WB-1234", testComponents())

	// Network failure surfaces immediately as unreachable; the 1s/4s
	// backoff is reserved for 5xx responses
	assert.False(t, result.Reachable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClientTimeoutNotRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", 200*time.Millisecond, zerolog.Nop())

	start := time.Now()
	result := client.Activate("WB-1234", UserInfo{Email: "ops@mine.example"}, testComponents())

	assert.False(t, result.Reachable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClientRevocationCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "revocation_check", body["event_type"])
		json.NewEncoder(w).Encode(map[string]interface{}{"revoked": true})
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", time.Second, zerolog.Nop())
	reachable, revoked := client.RevocationCheck("WB-1234")
	assert.True(t, reachable)
	assert.True(t, revoked)
}

func TestClientReportUsage(t *testing.T) {
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]interface{}{"ok": true})
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", time.Second, zerolog.Nop())
	err := client.ReportUsage("WB-1234", UsageStats{
		Month:            "2024-06",
		CalculationsRun:  4,
		TransfersApplied: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "usage_report", gotBody["event_type"])
	assert.Equal(t, "2024-06", gotBody["month"])
}
