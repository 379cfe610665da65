package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/caliphsdev/waterbalance/internal/database"
)

// SystemHandlers serves health and host monitoring endpoints
type SystemHandlers struct {
	log         zerolog.Logger
	db          *database.DB
	startupTime time.Time
}

// NewSystemHandlers creates the system handlers
func NewSystemHandlers(log zerolog.Logger, db *database.DB) *SystemHandlers {
	return &SystemHandlers{
		log:         log.With().Str("component", "system_handlers").Logger(),
		db:          db,
		startupTime: time.Now(),
	}
}

// HandleHealth is the liveness probe
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := h.db.Conn().Ping(); err != nil {
		status = "degraded"
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": status})
}

// HandleSystemInfo reports host resource usage and process uptime
func (h *SystemHandlers) HandleSystemInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"uptime_seconds": int(time.Since(h.startupTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"database_path":  h.db.Path(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		info["cpu_percent"] = percents[0]
	} else if err != nil {
		h.log.Warn().Err(err).Msg("Failed to read CPU usage")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		info["memory_used_percent"] = vm.UsedPercent
		info["memory_total_mb"] = vm.Total / 1024 / 1024
	} else {
		h.log.Warn().Err(err).Msg("Failed to read memory usage")
	}

	respondJSON(w, http.StatusOK, info)
}
