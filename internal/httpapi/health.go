package httpapi

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type healthResponse struct {
	Status      string  `json:"status"`
	UptimeSecs  float64 `json:"uptime_seconds"`
	CPUPercent  float64 `json:"cpu_percent,omitempty"`
	MemUsedPct  float64 `json:"memory_used_percent,omitempty"`
	MemUsedMB   uint64  `json:"memory_used_mb,omitempty"`
}

// handleHealth reports liveness plus resource vitals (§6), grounded on the
// teacher's use of shirou/gopsutil for system metrics.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", UptimeSecs: time.Since(s.startedAt).Seconds()}

	if percentages, err := cpu.PercentWithContext(r.Context(), 0, false); err == nil && len(percentages) > 0 {
		resp.CPUPercent = percentages[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		resp.MemUsedPct = vm.UsedPercent
		resp.MemUsedMB = vm.Used / (1024 * 1024)
	}

	writeJSON(w, http.StatusOK, resp)
}
