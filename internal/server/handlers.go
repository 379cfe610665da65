package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/caliphsdev/waterbalance/internal/config"
	"github.com/caliphsdev/waterbalance/internal/modules/balance"
	"github.com/caliphsdev/waterbalance/internal/modules/cache"
	"github.com/caliphsdev/waterbalance/internal/modules/facilities"
	"github.com/caliphsdev/waterbalance/internal/modules/licensing"
	"github.com/caliphsdev/waterbalance/internal/modules/transfers"
)

// Handlers carries the core services the API exposes
type Handlers struct {
	calculator *balance.Calculator
	balances   *balance.Repository
	overrides  *balance.OverrideRepository
	moisture   *balance.MoistureRepository
	facilities *facilities.Repository
	engine     *transfers.Engine
	transfers  *transfers.Repository
	license    *licensing.Manager
	cache      *cache.Cache
	cfg        *config.Config
	log        zerolog.Logger
}

// NewHandlers creates the API handlers
func NewHandlers(
	calculator *balance.Calculator,
	balances *balance.Repository,
	overrides *balance.OverrideRepository,
	moisture *balance.MoistureRepository,
	facilitiesRepo *facilities.Repository,
	engine *transfers.Engine,
	transfersRepo *transfers.Repository,
	license *licensing.Manager,
	c *cache.Cache,
	cfg *config.Config,
	log zerolog.Logger,
) *Handlers {
	return &Handlers{
		calculator: calculator,
		balances:   balances,
		overrides:  overrides,
		moisture:   moisture,
		facilities: facilitiesRepo,
		engine:     engine,
		transfers:  transfersRepo,
		license:    license,
		cache:      c,
		cfg:        cfg,
		log:        log.With().Str("component", "handlers").Logger(),
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// requireAuthorised gates protected operations on license state and an
// instant revocation probe. Read-only inspection stays open.
func (h *Handlers) requireAuthorised(w http.ResponseWriter) bool {
	if !h.license.State().Authorised() || !h.license.CheckInstantRevocation() {
		respondError(w, http.StatusForbidden,
			"license not valid for this operation; contact "+h.cfg.Licensing.SupportEmail)
		return false
	}
	return true
}

func parseDate(raw string) (time.Time, error) {
	return time.Parse("2006-01-02", raw)
}

// HandleCalculate runs the balance for a month; optionally persists it
func (h *Handlers) HandleCalculate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Date      string   `json:"date"`
		OreTonnes *float64 `json:"ore_tonnes,omitempty"`
		Save      bool     `json:"save"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	if req.Save && !h.requireAuthorised(w) {
		return
	}

	b, err := h.calculator.Calculate(date, req.OreTonnes)
	if err != nil {
		h.log.Error().Err(err).Str("date", req.Date).Msg("Calculation failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if req.Save {
		if err := h.balances.Save(b); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	respondJSON(w, http.StatusOK, b)
}

// HandleGetBalance returns the saved balance for a month
func (h *Handlers) HandleGetBalance(w http.ResponseWriter, r *http.Request) {
	date, err := parseDate(chi.URLParam(r, "date"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	b, err := h.balances.Get(date, balance.CalcTypeMonthly)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if b == nil {
		respondError(w, http.StatusNotFound, "no balance saved for that month")
		return
	}
	respondJSON(w, http.StatusOK, b)
}

// HandleCapacityWarnings returns the warnings of the latest calculation
func (h *Handlers) HandleCapacityWarnings(w http.ResponseWriter, r *http.Request) {
	warnings := h.calculator.CapacityWarnings()
	if warnings == nil {
		warnings = []balance.CapacityWarning{}
	}
	respondJSON(w, http.StatusOK, warnings)
}

// HandleTrend returns the closure-error trend diagnostic
func (h *Handlers) HandleTrend(w http.ResponseWriter, r *http.Request) {
	if !h.license.HasFeature(licensing.FeatureTrendDiagnostics) {
		respondError(w, http.StatusForbidden, "trend diagnostics not available on this tier")
		return
	}

	months := 12
	if raw := r.URL.Query().Get("months"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			months = parsed
		}
	}

	trend, err := h.calculator.TrendCheck(months)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if trend == nil {
		respondError(w, http.StatusNotFound, "no saved balances with a defined closure error")
		return
	}
	respondJSON(w, http.StatusOK, trend)
}

// HandleProposeTransfers computes the transfer set for a date
func (h *Handlers) HandleProposeTransfers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Date string `json:"date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	proposals, err := h.engine.Propose(date)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if proposals == nil {
		proposals = []transfers.Transfer{}
	}
	respondJSON(w, http.StatusOK, proposals)
}

// HandleApplyTransfers applies an approved transfer set
func (h *Handlers) HandleApplyTransfers(w http.ResponseWriter, r *http.Request) {
	if !h.requireAuthorised(w) {
		return
	}

	var req struct {
		Date      string               `json:"date"`
		Transfers []transfers.Transfer `json:"transfers"`
		Actor     string               `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	applied, err := h.engine.Apply(date, req.Transfers, req.Actor)
	result := map[string]interface{}{"applied": applied}
	if err != nil {
		result["errors"] = err.Error()
	}
	respondJSON(w, http.StatusOK, result)
}

// HandleGetTransferEvents lists applied transfers for a date
func (h *Handlers) HandleGetTransferEvents(w http.ResponseWriter, r *http.Request) {
	date, err := parseDate(chi.URLParam(r, "date"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	eventsList, err := h.transfers.GetByDate(date.Format("2006-01-02"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if eventsList == nil {
		eventsList = []transfers.Event{}
	}
	respondJSON(w, http.StatusOK, eventsList)
}

// HandleSetOverride writes a monthly manual override and invalidates the
// month's cached balance
func (h *Handlers) HandleSetOverride(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Date  string  `json:"date"`
		Key   string  `json:"key"`
		Value float64 `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	if req.Key == "" {
		respondError(w, http.StatusBadRequest, "key is required")
		return
	}

	if err := h.overrides.Set(date, req.Key, req.Value); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.cache.InvalidateBalance(balance.MonthKey(date))
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleSetTailingsMoisture writes the monthly tailings moisture entry
func (h *Handlers) HandleSetTailingsMoisture(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Year  int     `json:"year"`
		Month int     `json:"month"`
		Pct   float64 `json:"tailings_moisture_pct"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Month < 1 || req.Month > 12 {
		respondError(w, http.StatusBadRequest, "month must be 1-12")
		return
	}

	if err := h.moisture.Set(req.Year, time.Month(req.Month), req.Pct); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	monthKey := time.Date(req.Year, time.Month(req.Month), 1, 0, 0, 0, 0, time.UTC)
	h.cache.InvalidateBalance(balance.MonthKey(monthKey))
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleLicenseStatus returns the license status snapshot
func (h *Handlers) HandleLicenseStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.license.Snapshot())
}

// HandleLicenseActivate activates a license key for this device
func (h *Handlers) HandleLicenseActivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"license_key"`
		Name  string `json:"licensee_name"`
		Email string `json:"licensee_email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Key == "" {
		respondError(w, http.StatusBadRequest, "license_key is required")
		return
	}

	if err := h.license.Activate(req.Key, licensing.UserInfo{Name: req.Name, Email: req.Email}); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, licensing.ErrInvalidKey) {
			status = http.StatusUnprocessableEntity
		}
		respondError(w, status, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, h.license.Snapshot())
}

// HandleLicenseTransfer rebinds the license to this host
func (h *Handlers) HandleLicenseTransfer(w http.ResponseWriter, r *http.Request) {
	if err := h.license.RequestTransfer(); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, licensing.ErrTransferLimit) {
			status = http.StatusConflict
		}
		respondError(w, status, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, h.license.Snapshot())
}
