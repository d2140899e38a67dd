package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/selunlabs/selun-engine/internal/scheduler"
)

// SystemHandlers serves process and host health probes.
type SystemHandlers struct {
	log       zerolog.Logger
	dataDir   string
	scheduler *scheduler.Scheduler
	startedAt time.Time
}

// NewSystemHandlers creates the system probe handlers.
func NewSystemHandlers(log zerolog.Logger, dataDir string, sched *scheduler.Scheduler) *SystemHandlers {
	return &SystemHandlers{
		log:       log.With().Str("component", "system_handlers").Logger(),
		dataDir:   dataDir,
		scheduler: sched,
		startedAt: time.Now(),
	}
}

// HandleSystemHealth reports memory and disk pressure for the host.
func (h *SystemHandlers) HandleSystemHealth(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		payload["memory"] = map[string]interface{}{
			"total_mb":     vm.Total / 1024 / 1024,
			"used_mb":      vm.Used / 1024 / 1024,
			"used_percent": vm.UsedPercent,
		}
	} else {
		h.log.Warn().Err(err).Msg("Memory probe failed")
	}

	if du, err := disk.Usage(h.dataDir); err == nil {
		payload["disk"] = map[string]interface{}{
			"path":         h.dataDir,
			"total_gb":     float64(du.Total) / 1024 / 1024 / 1024,
			"free_gb":      float64(du.Free) / 1024 / 1024 / 1024,
			"used_percent": du.UsedPercent,
		}
	} else {
		h.log.Warn().Err(err).Msg("Disk probe failed")
	}

	h.writeJSON(w, payload)
}

// HandleSystemInfo reports process facts and registered jobs.
func (h *SystemHandlers) HandleSystemInfo(w http.ResponseWriter, _ *http.Request) {
	var jobs []string
	if h.scheduler != nil {
		jobs = h.scheduler.RegisteredJobs()
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	h.writeJSON(w, map[string]interface{}{
		"go_version":      runtime.Version(),
		"goroutines":      runtime.NumGoroutine(),
		"heap_alloc_mb":   ms.HeapAlloc / 1024 / 1024,
		"data_dir":        h.dataDir,
		"started_at":      h.startedAt.UTC().Format(time.RFC3339),
		"registered_jobs": jobs,
	})
}

func (h *SystemHandlers) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
