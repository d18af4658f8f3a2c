package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/corebit/corebit/internal/errors"
	"github.com/corebit/corebit/internal/license"
	"github.com/corebit/corebit/internal/models"
	"github.com/corebit/corebit/internal/probe"
	"github.com/corebit/corebit/internal/store"
	"github.com/corebit/corebit/internal/websocket"
)

// DeviceHandlers serves /api/devices
type DeviceHandlers struct {
	store     *store.Store
	hub       *websocket.Hub
	scheduler ProbeTrigger
	engine    StatusReader
	registry  *probe.Registry
	licenses  *license.Manager
}

func newDeviceHandlers(deps Deps) *DeviceHandlers {
	return &DeviceHandlers{
		store:     deps.Store,
		hub:       deps.Hub,
		scheduler: deps.Scheduler,
		engine:    deps.Engine,
		registry:  deps.Registry,
		licenses:  deps.Licenses,
	}
}

func (h *DeviceHandlers) handleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.create(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (h *DeviceHandlers) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	h.createBatch(w, r)
}

func (h *DeviceHandlers) handleItem(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r.URL.Path, "/api/devices/")
	switch {
	case len(segs) == 1:
		id := segs[0]
		switch r.Method {
		case http.MethodGet:
			h.get(w, r, id)
		case http.MethodPatch:
			h.update(w, r, id)
		case http.MethodDelete:
			h.delete(w, r, id)
		default:
			methodNotAllowed(w)
		}
	case len(segs) == 2 && segs[1] == "probe":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		h.triggerProbe(w, r, segs[0])
	case len(segs) == 2 && segs[1] == "status-segments":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		h.statusSegments(w, r, segs[0])
	case len(segs) == 2 && segs[1] == "status-events":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		h.statusEvents(w, r, segs[0])
	case len(segs) == 2 && segs[1] == "proxmox-vms":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		h.proxmoxVMs(w, r, segs[0])
	case len(segs) == 3 && segs[1] == "metrics-history" && segs[2] == "aggregated":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		h.metricsHistory(w, r, segs[0])
	default:
		http.NotFound(w, r)
	}
}

func (h *DeviceHandlers) list(w http.ResponseWriter, r *http.Request) {
	var (
		devices []models.Device
		err     error
	)
	if mapID := r.URL.Query().Get("mapId"); mapID != "" {
		devices, err = h.store.ListDevicesByMap(r.Context(), mapID)
	} else {
		devices, err = h.store.ListDevices(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if devices == nil {
		devices = []models.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (h *DeviceHandlers) get(w http.ResponseWriter, r *http.Request, id string) {
	device, err := h.store.GetDevice(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (h *DeviceHandlers) create(w http.ResponseWriter, r *http.Request) {
	var device models.Device
	if err := decodeJSON(w, r, &device); err != nil {
		writeError(w, err)
		return
	}
	if err := validateNewDevice(&device); err != nil {
		writeError(w, err)
		return
	}
	if device.Kind != models.KindPlaceholder {
		if err := h.licenses.CheckDeviceLimit(r.Context(), 1); err != nil {
			writeError(w, err)
			return
		}
	}
	if device.ID == "" {
		device.ID = ulid.Make().String()
	}
	if err := h.store.CreateDevice(r.Context(), &device); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, device)
}

func (h *DeviceHandlers) createBatch(w http.ResponseWriter, r *http.Request) {
	var devices []models.Device
	if err := decodeJSON(w, r, &devices); err != nil {
		writeError(w, err)
		return
	}
	if len(devices) == 0 {
		writeError(w, errors.NewClientInputError("create_devices", fmt.Errorf("empty device list")))
		return
	}

	countable := 0
	for i := range devices {
		if err := validateNewDevice(&devices[i]); err != nil {
			writeError(w, err)
			return
		}
		if devices[i].Kind != models.KindPlaceholder {
			countable++
		}
	}
	if countable > 0 {
		if err := h.licenses.CheckDeviceLimit(r.Context(), countable); err != nil {
			writeError(w, err)
			return
		}
	}

	created := make([]models.Device, 0, len(devices))
	for i := range devices {
		if devices[i].ID == "" {
			devices[i].ID = ulid.Make().String()
		}
		if err := h.store.CreateDevice(r.Context(), &devices[i]); err != nil {
			writeError(w, err)
			return
		}
		created = append(created, devices[i])
	}
	writeJSON(w, http.StatusCreated, created)
}

// devicePatch carries the mutable device fields; nil means unchanged
type devicePatch struct {
	Name                *string            `json:"name"`
	Kind                *models.DeviceKind `json:"kind"`
	Address             *string            `json:"address"`
	UseOnDuty           *bool              `json:"useOnDuty"`
	CredentialProfileID *string            `json:"credentialProfileId"`
	CustomCredentials   models.Credentials `json:"customCredentials"`
}

func (h *DeviceHandlers) update(w http.ResponseWriter, r *http.Request, id string) {
	var patch devicePatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, err)
		return
	}

	device, err := h.store.GetDevice(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	credentialsChanged := false
	if patch.Name != nil {
		device.Name = *patch.Name
	}
	if patch.Kind != nil {
		if !patch.Kind.Valid() {
			writeError(w, errors.NewClientInputError("update_device",
				fmt.Errorf("unknown device kind %q", *patch.Kind)).WithField("kind"))
			return
		}
		if *patch.Kind != device.Kind {
			credentialsChanged = true
		}
		device.Kind = *patch.Kind
	}
	if patch.Address != nil {
		if *patch.Address != device.Address {
			credentialsChanged = true
		}
		device.Address = *patch.Address
	}
	if patch.UseOnDuty != nil {
		device.UseOnDuty = *patch.UseOnDuty
	}
	if patch.CredentialProfileID != nil {
		device.CredentialProfileID = *patch.CredentialProfileID
		credentialsChanged = true
	}
	if patch.CustomCredentials != nil {
		device.CustomCredentials = patch.CustomCredentials
		credentialsChanged = true
	}
	if device.Kind != models.KindPlaceholder && device.Address == "" {
		writeError(w, errors.NewClientInputError("update_device",
			fmt.Errorf("address is required")).WithField("address"))
		return
	}

	if err := h.store.UpdateDevice(r.Context(), device); err != nil {
		writeError(w, err)
		return
	}
	// Cached prober sessions hold the old address and credentials.
	if credentialsChanged {
		h.registry.Forget(id)
	}
	h.broadcastDeviceChange(r, id, "updated")
	writeJSON(w, http.StatusOK, device)
}

func (h *DeviceHandlers) delete(w http.ResponseWriter, r *http.Request, id string) {
	placements, err := h.store.ListPlacementsByDevice(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.DeleteDevice(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.engine.Forget(id)
	h.registry.Forget(id)

	origin := clientID(r)
	for _, p := range placements {
		h.hub.PublishMapChange(p.MapID, "device", "deleted", origin)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DeviceHandlers) triggerProbe(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.scheduler.TriggerOnce(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (h *DeviceHandlers) metricsHistory(w http.ResponseWriter, r *http.Request, id string) {
	since, maxPoints, err := historyParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	points, err := h.store.AggregatedMetrics(r.Context(), id, since, maxPoints)
	if err != nil {
		writeError(w, err)
		return
	}
	if points == nil {
		points = []models.AggregatedPoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

func (h *DeviceHandlers) statusSegments(w http.ResponseWriter, r *http.Request, id string) {
	window, err := parseRange(r.URL.Query().Get("range"))
	if err != nil {
		writeError(w, err)
		return
	}
	now := time.Now()
	segments, err := h.engine.Segments(r.Context(), id, now.Add(-window), now)
	if err != nil {
		writeError(w, err)
		return
	}
	if segments == nil {
		segments = []models.DeviceStatusSegment{}
	}
	writeJSON(w, http.StatusOK, segments)
}

func (h *DeviceHandlers) statusEvents(w http.ResponseWriter, r *http.Request, id string) {
	window, err := parseRange(r.URL.Query().Get("range"))
	if err != nil {
		writeError(w, err)
		return
	}
	includeWarnings := r.URL.Query().Get("includeWarnings") == "true"
	events, err := h.store.ListStatusEvents(r.Context(), id, time.Now().Add(-window), includeWarnings)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []models.DeviceStatusEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *DeviceHandlers) proxmoxVMs(w http.ResponseWriter, r *http.Request, id string) {
	vms, err := h.store.ListProxmoxVMsByHost(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if vms == nil {
		vms = []models.ProxmoxVM{}
	}
	writeJSON(w, http.StatusOK, vms)
}

func (h *DeviceHandlers) broadcastDeviceChange(r *http.Request, deviceID, action string) {
	placements, err := h.store.ListPlacementsByDevice(r.Context(), deviceID)
	if err != nil {
		return
	}
	origin := clientID(r)
	for _, p := range placements {
		h.hub.PublishMapChange(p.MapID, "device", action, origin)
	}
}

func validateNewDevice(d *models.Device) error {
	if d.Name == "" {
		return errors.NewClientInputError("create_device",
			fmt.Errorf("name is required")).WithField("name")
	}
	if !d.Kind.Valid() {
		return errors.NewClientInputError("create_device",
			fmt.Errorf("unknown device kind %q", d.Kind)).WithField("kind")
	}
	if d.Kind != models.KindPlaceholder && d.Address == "" {
		return errors.NewClientInputError("create_device",
			fmt.Errorf("address is required")).WithField("address")
	}
	return nil
}

// historyParams reads ?since (RFC3339, default 24h back) and ?maxPoints
// (default 300).
func historyParams(r *http.Request) (time.Time, int, error) {
	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, 0, errors.NewClientInputError("history_params",
				fmt.Errorf("invalid since timestamp %q", raw)).WithField("since")
		}
		since = parsed
	}
	maxPoints := 300
	if raw := r.URL.Query().Get("maxPoints"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return time.Time{}, 0, errors.NewClientInputError("history_params",
				fmt.Errorf("invalid maxPoints %q", raw)).WithField("maxPoints")
		}
		maxPoints = parsed
	}
	return since, maxPoints, nil
}

func parseRange(raw string) (time.Duration, error) {
	switch raw {
	case "", "24h":
		return 24 * time.Hour, nil
	case "7d":
		return 7 * 24 * time.Hour, nil
	case "30d":
		return 30 * 24 * time.Hour, nil
	case "90d":
		return 90 * 24 * time.Hour, nil
	default:
		return 0, errors.NewClientInputError("parse_range",
			fmt.Errorf("invalid range %q, want one of 24h, 7d, 30d, 90d", raw)).WithField("range")
	}
}
