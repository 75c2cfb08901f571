package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"

	"github.com/kiranshivaraju/docpipe/internal/api/response"
	"github.com/kiranshivaraju/docpipe/pkg/models"
)

// DeviceSource returns the device snapshots published by live workers.
type DeviceSource interface {
	DeviceSnapshots(ctx context.Context) (map[string][]byte, error)
}

// NewDevicesHandler lists every live worker's local GPUs and remote devices.
func NewDevicesHandler(src DeviceSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := src.DeviceSnapshots(r.Context())
		if err != nil {
			slog.Error("reading device snapshots failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read devices", nil)
			return
		}

		workers := make([]models.DeviceSnapshot, 0, len(raw))
		for name, b := range raw {
			var snap models.DeviceSnapshot
			if err := json.Unmarshal(b, &snap); err != nil {
				slog.Warn("skipping undecodable device snapshot", "worker", name, "error", err)
				continue
			}
			if snap.Worker == "" {
				snap.Worker = name
			}
			workers = append(workers, snap)
		}
		sort.Slice(workers, func(i, j int) bool { return workers[i].Worker < workers[j].Worker })

		response.JSON(w, map[string]any{"workers": workers})
	}
}
