package api

import "github.com/justin-oleary/fleetwatch/pkg/status"

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	State          string `json:"state"` // healthy | checking | unhealthy | unknown
	DeviceCount    int    `json:"device_count"`
	HealthyCount   int    `json:"healthy_count"`
	CheckingCount  int    `json:"checking_count"`
	UnhealthyCount int    `json:"unhealthy_count"`
	NodeCount      int    `json:"node_count"`
}

// DeviceResponse describes one device's current status.
type DeviceResponse struct {
	Node       string `json:"node"`
	GPU        int    `json:"gpu"`
	Status     int    `json:"status"`
	StatusName string `json:"status_name"`
	Raw        int    `json:"raw"`
	Modified   string `json:"modified,omitempty"`
	Missing    bool   `json:"missing,omitempty"`
	Malformed  bool   `json:"malformed,omitempty"`
	Stale      bool   `json:"stale,omitempty"`
}

// SnapshotResponse is the body of GET /api/v1/status and of every stream
// broadcast.
type SnapshotResponse struct {
	Health      HealthResponse   `json:"health"`
	Devices     []DeviceResponse `json:"devices"`
	GeneratedAt string           `json:"generated_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toDeviceResponse(r status.Reading) DeviceResponse {
	d := DeviceResponse{
		Node:       r.Device.Node,
		GPU:        r.Device.Index,
		Status:     int(r.Status),
		StatusName: r.Status.String(),
		Raw:        int(r.Raw),
		Missing:    r.Missing,
		Malformed:  r.Malformed,
		Stale:      r.Stale,
	}
	if !r.Modified.IsZero() {
		d.Modified = r.Modified.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return d
}

func summarize(readings []status.Reading, nodes int) HealthResponse {
	h := HealthResponse{DeviceCount: len(readings), NodeCount: nodes}
	for _, r := range readings {
		switch r.Status {
		case status.Healthy:
			h.HealthyCount++
		case status.Checking:
			h.CheckingCount++
		default:
			h.UnhealthyCount++
		}
	}
	switch {
	case h.DeviceCount == 0:
		h.State = "unknown"
	case h.UnhealthyCount > 0:
		h.State = "unhealthy"
	case h.CheckingCount > 0:
		h.State = "checking"
	default:
		h.State = "healthy"
	}
	return h
}
