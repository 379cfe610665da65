package licensing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Wire event types carried in the webhook payload
const (
	eventActivate        = "activate"
	eventValidate        = "validate"
	eventTransfer        = "transfer"
	eventRevocationCheck = "revocation_check"
	eventUsageReport     = "usage_report"
)

// ValidationResult is the client's verdict on one remote call. Reachable is
// false on network failure, timeout, retry exhaustion or a malformed
// response; the caller maps that to the offline grace path.
type ValidationResult struct {
	Reachable     bool
	InvalidKey    bool
	Status        string
	Tier          Tier
	ExpiryDate    time.Time
	TransferCount int
	Reason        string
}

// Client talks to the remote license registry through its webhook endpoint.
// It is stateless: every call stands alone.
type Client struct {
	webhookURL string
	apiKey     string
	http       *http.Client
	log        zerolog.Logger
}

// NewClient creates a new validation client. timeout bounds every request.
func NewClient(webhookURL, apiKey string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		webhookURL: webhookURL,
		apiKey:     apiKey,
		http:       &http.Client{Timeout: timeout},
		log:        log.With().Str("client", "license_registry").Logger(),
	}
}

// request is the webhook payload. Hardware slot order is positional and
// stable: slot 1 motherboard, slot 2 CPU, slot 3 MAC.
type request struct {
	LicenseKey    string `json:"license_key"`
	HW1           string `json:"hw1"`
	HW2           string `json:"hw2"`
	HW3           string `json:"hw3"`
	LicenseeName  string `json:"licensee_name,omitempty"`
	LicenseeEmail string `json:"licensee_email,omitempty"`
	LicenseTier   string `json:"license_tier,omitempty"`
	EventType     string `json:"event_type"`
	IsTransfer    bool   `json:"is_transfer,omitempty"`
	Month         string `json:"month,omitempty"`
	Calculations  int    `json:"calculations_run,omitempty"`
	Transfers     int    `json:"transfers_applied,omitempty"`
}

type response struct {
	Status        string `json:"status"`
	LicenseTier   string `json:"license_tier"`
	ExpiryDate    string `json:"expiry_date"`
	TransferCount int    `json:"transfer_count"`
	Revoked       *bool  `json:"revoked,omitempty"`
	Error         string `json:"error,omitempty"`
	OK            bool   `json:"ok,omitempty"`
}

// Validate checks a license against the registry
func (c *Client) Validate(licenseKey string, hw Components) ValidationResult {
	return c.roundTrip(request{
		LicenseKey: licenseKey,
		HW1:        hw.Motherboard,
		HW2:        hw.CPU,
		HW3:        hw.MAC,
		EventType:  eventValidate,
	})
}

// Activate registers a license key for this host
func (c *Client) Activate(licenseKey string, user UserInfo, hw Components) ValidationResult {
	return c.roundTrip(request{
		LicenseKey:    licenseKey,
		HW1:           hw.Motherboard,
		HW2:           hw.CPU,
		HW3:           hw.MAC,
		LicenseeName:  user.Name,
		LicenseeEmail: user.Email,
		EventType:     eventActivate,
	})
}

// Transfer rebinds a license to new hardware. The new components travel in
// the positional slots; the transfer flag tells the registry to consume one
// transfer credit.
func (c *Client) Transfer(licenseKey string, newHW Components) ValidationResult {
	return c.roundTrip(request{
		LicenseKey: licenseKey,
		HW1:        newHW.Motherboard,
		HW2:        newHW.CPU,
		HW3:        newHW.MAC,
		EventType:  eventTransfer,
		IsTransfer: true,
	})
}

// RevocationCheck is the cheap pre-operation probe. revoked is meaningful
// only when reachable.
func (c *Client) RevocationCheck(licenseKey string) (reachable, revoked bool) {
	resp, err := c.post(request{LicenseKey: licenseKey, EventType: eventRevocationCheck}, false)
	if err != nil {
		return false, false
	}
	if resp.Revoked != nil {
		return true, *resp.Revoked
	}
	// Registries without the cheap endpoint answer with the full status
	if resp.Status == "" {
		return false, false
	}
	return true, resp.Status == RemoteStatusRevoked
}

// ReportUsage posts monthly usage statistics. Best-effort: the error is
// returned for logging only.
func (c *Client) ReportUsage(licenseKey string, stats UsageStats) error {
	_, err := c.post(request{
		LicenseKey:   licenseKey,
		EventType:    eventUsageReport,
		Month:        stats.Month,
		Calculations: stats.CalculationsRun,
		Transfers:    stats.TransfersApplied,
	}, false)
	return err
}

// roundTrip runs one authoritative call and maps the response onto a
// ValidationResult
func (c *Client) roundTrip(req request) ValidationResult {
	resp, err := c.post(req, true)
	if err != nil {
		if err == errUnauthorized {
			return ValidationResult{Reachable: true, InvalidKey: true, Reason: "license key rejected by registry"}
		}
		c.log.Warn().Err(err).Str("event", req.EventType).Msg("Registry unreachable")
		return ValidationResult{Reachable: false, Reason: err.Error()}
	}

	// A response missing its required fields is never trusted as active
	if resp.Status == "" || resp.ExpiryDate == "" {
		c.log.Warn().Str("event", req.EventType).Msg("Registry response missing required fields")
		return ValidationResult{Reachable: false, Reason: "malformed registry response"}
	}

	expiry, err := parseExpiry(resp.ExpiryDate)
	if err != nil {
		c.log.Warn().Err(err).Str("expiry", resp.ExpiryDate).Msg("Registry expiry date unparseable")
		return ValidationResult{Reachable: false, Reason: "malformed expiry date"}
	}

	return ValidationResult{
		Reachable:     true,
		Status:        resp.Status,
		Tier:          Tier(resp.LicenseTier),
		ExpiryDate:    expiry,
		TransferCount: resp.TransferCount,
		Reason:        resp.Error,
	}
}

var errUnauthorized = fmt.Errorf("unauthorized")

// post performs the HTTP call. 5xx responses are retried twice with
// exponential backoff (1s, 4s) when retry is set; 4xx and network failures
// are never retried.
func (c *Client) post(req request, retry bool) (*response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	attempts := 1
	if retry {
		attempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			// 1s after the first failure, 4s after the second
			wait := time.Duration(1<<uint(2*(attempt-1))) * time.Second
			c.log.Warn().
				Int("attempt", attempt+1).
				Dur("wait", wait).
				Str("event", req.EventType).
				Msg("Retrying registry call")
			time.Sleep(wait)
		}

		resp, err := c.doOnce(body)
		if err == nil {
			return resp, nil
		}
		if err == errUnauthorized {
			return nil, err
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}
	return nil, lastErr
}

type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("registry returned status %d: %s", e.code, e.body)
}

// isRetryable reports whether an attempt may be repeated. Only 5xx registry
// responses retry; network failures and timeouts surface immediately so the
// caller can take the offline grace path.
func isRetryable(err error) bool {
	statusErr, ok := err.(*httpStatusError)
	return ok && statusErr.code >= 500
}

func (c *Client) doOnce(body []byte) (*response, error) {
	httpReq, err := http.NewRequest(http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("registry request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry response: %w", err)
	}

	if httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden {
		return nil, errUnauthorized
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{code: httpResp.StatusCode, body: string(respBody)}
	}

	var resp response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse registry response: %w", err)
	}
	return &resp, nil
}

// parseExpiry accepts ISO dates with or without a time component
func parseExpiry(raw string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}
