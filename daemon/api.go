package daemon

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mark-sch/GpsdTracking/controller"
	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/output/websocket"
)

const (
	defaultTrackCount = 20
	maxTrackCount     = 1000
	maxRequestBody    = 64 << 10
)

// ServiceInfo describes one running service.
type ServiceInfo struct {
	Name    string           `json:"name"`
	Adapter string           `json:"adapter"`
	Mode    string           `json:"mode"`
	Address string           `json:"address"`
	Info    string           `json:"info,omitempty"`
	Health  string           `json:"health"`
	Stats   controller.Stats `json:"stats"`
}

func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/devices", d.handleDevices)
	mux.HandleFunc("GET /api/devices/{id}", d.handleDevice)
	mux.HandleFunc("GET /api/devices/{id}/track", d.handleTrack)
	mux.HandleFunc("POST /api/devices/{id}/logout", d.handleLogout)
	mux.HandleFunc("POST /api/commands", d.handleCommand)
	mux.HandleFunc("GET /api/services", d.handleServices)
	mux.HandleFunc("GET /api/config", d.handleConfig)

	mux.Handle("GET /health", d.monitor.Handler(d.cfg.Name))
	mux.HandleFunc("GET /healthz", d.handleLiveness)
	mux.HandleFunc("GET /readyz", d.handleReadiness)

	if d.stream != nil {
		mux.Handle(d.stream.Path(), d.stream)
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleDevices lists the live sessions, optionally of one service.
func (d *Daemon) handleDevices(w http.ResponseWriter, r *http.Request) {
	var sessions []*device.Session
	if service := r.URL.Query().Get("service"); service != "" {
		sessions = d.registry.ByService(service)
	} else {
		sessions = d.registry.Snapshot()
	}

	out := make([]device.Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (d *Daemon) handleDevice(w http.ResponseWriter, r *http.Request) {
	s, ok := d.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "device not connected")
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// handleTrack returns the stored positions of a device, newest first. The
// device does not need to be connected.
func (d *Daemon) handleTrack(w http.ResponseWriter, r *http.Request) {
	count := defaultTrackCount
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = min(n, maxTrackCount)
	}

	id := r.PathValue("id")
	positions, err := d.backend.LookupDev(r.Context(), id, count)
	if err != nil {
		d.logger.Warn("Track lookup failed", "device", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "track lookup failed")
		return
	}
	if positions == nil {
		positions = []device.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (d *Daemon) handleLogout(w http.ResponseWriter, r *http.Request) {
	s, ok := d.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "device not connected")
		return
	}
	s.Disconnect(r.Context(), "api request")
	w.WriteHeader(http.StatusNoContent)
}

// handleCommand queues a command. Device "0" broadcasts to every session.
func (d *Daemon) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req websocket.CommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Device == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, "device and command are required")
		return
	}
	timeout := time.Duration(req.Timeout) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}

	id := d.queue.Push(req.Device, strings.ToUpper(req.Command), req.Args, timeout)
	d.logger.Debug("Command queued", "request", id, "device", req.Device, "command", req.Command)
	writeJSON(w, http.StatusAccepted, map[string]uint64{"request_id": id})
}

func (d *Daemon) handleServices(w http.ResponseWriter, _ *http.Request) {
	out := make([]ServiceInfo, 0, len(d.engines))
	for _, e := range d.engines {
		cfg := e.Config()
		address := cfg.Address
		if addr := e.Addr(); addr != nil {
			address = addr.String()
		}
		out = append(out, ServiceInfo{
			Name:    cfg.Name,
			Adapter: cfg.Adapter,
			Mode:    string(cfg.Mode),
			Address: address,
			Info:    cfg.Info,
			Health:  e.Health().Status,
			Stats:   e.Stats(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (d *Daemon) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReadiness answers 200 once every component is running and no
// service is unhealthy.
func (d *Daemon) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if !d.Ready() {
		http.Error(w, "starting", http.StatusServiceUnavailable)
		return
	}
	if d.Health().IsUnhealthy() {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("READY"))
}

// handleConfig returns the running configuration with secrets masked.
func (d *Daemon) handleConfig(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, d.cfg.String())
}
