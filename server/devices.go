package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/rustyeddy/merossmgr/registry"
)

// DeviceSnapshot is the JSON shape one registry entry is rendered as on
// the debug devices endpoint.
type DeviceSnapshot struct {
	InternalID string `json:"internalId"`
	UUID       string `json:"uuid,omitempty"`
	Type       string `json:"type"`
	Name       string `json:"name"`
	Online     int    `json:"onlineStatus"`
}

// DevicesHandler serves GET /api/devices, snapshotting the registry the
// way station.ServeHTTP exposes /api/stations in the teacher.
type DevicesHandler struct {
	Registry *registry.Registry
}

func NewDevicesHandler(r *registry.Registry) *DevicesHandler {
	return &DevicesHandler{Registry: r}
}

func (h *DevicesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	entries := h.Registry.All()
	out := make([]DeviceSnapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, DeviceSnapshot{
			InternalID: e.InternalID(),
			UUID:       e.UUID(),
			Type:       e.Type(),
			Name:       e.Name(),
			Online:     int(e.OnlineStatus()),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		slog.Error("devices handler failed to encode", "error", err)
		http.Error(w, "failed to encode devices", http.StatusInternalServerError)
	}
}
