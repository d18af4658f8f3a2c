package api

import (
	"fmt"
	"net/http"

	"github.com/oklog/ulid/v2"

	"github.com/corebit/corebit/internal/bandwidth"
	"github.com/corebit/corebit/internal/errors"
	"github.com/corebit/corebit/internal/models"
	"github.com/corebit/corebit/internal/store"
	"github.com/corebit/corebit/internal/websocket"
)

// ConnectionHandlers serves /api/connections
type ConnectionHandlers struct {
	store       *store.Store
	differencer *bandwidth.Differencer
	hub         *websocket.Hub
}

func newConnectionHandlers(st *store.Store, d *bandwidth.Differencer, hub *websocket.Hub) *ConnectionHandlers {
	return &ConnectionHandlers{store: st, differencer: d, hub: hub}
}

func (h *ConnectionHandlers) handleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.create(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (h *ConnectionHandlers) handleItem(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r.URL.Path, "/api/connections/")
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
	case len(segs) == 3 && segs[1] == "bandwidth-history" && segs[2] == "aggregated":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		h.bandwidthHistory(w, r, segs[0])
	default:
		http.NotFound(w, r)
	}
}

func (h *ConnectionHandlers) list(w http.ResponseWriter, r *http.Request) {
	mapID := r.URL.Query().Get("mapId")
	if mapID == "" {
		writeError(w, errors.NewClientInputError("list_connections",
			fmt.Errorf("mapId is required")).WithField("mapId"))
		return
	}
	connections, err := h.store.ListConnections(r.Context(), mapID)
	if err != nil {
		writeError(w, err)
		return
	}
	if connections == nil {
		connections = []models.Connection{}
	}
	writeJSON(w, http.StatusOK, connections)
}

func (h *ConnectionHandlers) get(w http.ResponseWriter, r *http.Request, id string) {
	conn, err := h.store.GetConnection(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (h *ConnectionHandlers) create(w http.ResponseWriter, r *http.Request) {
	var conn models.Connection
	if err := decodeJSON(w, r, &conn); err != nil {
		writeError(w, err)
		return
	}
	if err := validateConnection(&conn); err != nil {
		writeError(w, err)
		return
	}
	if conn.ID == "" {
		conn.ID = ulid.Make().String()
	}
	if err := h.store.CreateConnection(r.Context(), &conn); err != nil {
		writeError(w, err)
		return
	}
	h.hub.PublishMapChange(conn.MapID, "connection", "created", clientID(r))
	writeJSON(w, http.StatusCreated, conn)
}

type connectionPatch struct {
	SourcePort       *string                 `json:"sourcePort"`
	TargetPort       *string                 `json:"targetPort"`
	LinkSpeed        *models.LinkSpeed       `json:"linkSpeed"`
	MonitorInterface *models.MonitorEnd      `json:"monitorInterface"`
	MonitorSNMPIndex *int                    `json:"monitorSnmpIndex"`
	DynamicMetadata  *models.DynamicMetadata `json:"dynamicMetadata"`
}

func (h *ConnectionHandlers) update(w http.ResponseWriter, r *http.Request, id string) {
	var patch connectionPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, err)
		return
	}
	conn, err := h.store.GetConnection(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	monitoringChanged := false
	if patch.SourcePort != nil {
		conn.SourcePort = *patch.SourcePort
	}
	if patch.TargetPort != nil {
		conn.TargetPort = *patch.TargetPort
	}
	if patch.LinkSpeed != nil {
		conn.LinkSpeed = *patch.LinkSpeed
	}
	if patch.MonitorInterface != nil {
		conn.MonitorInterface = *patch.MonitorInterface
		monitoringChanged = true
	}
	if patch.MonitorSNMPIndex != nil {
		conn.MonitorSNMPIndex = *patch.MonitorSNMPIndex
		monitoringChanged = true
	}
	if patch.DynamicMetadata != nil {
		conn.DynamicMetadata = patch.DynamicMetadata
	}

	if err := h.store.UpdateConnection(r.Context(), conn); err != nil {
		writeError(w, err)
		return
	}
	// A repointed counter source would otherwise difference against the
	// old interface's baseline.
	if monitoringChanged {
		h.differencer.Forget(id)
	}
	h.hub.PublishMapChange(conn.MapID, "connection", "updated", clientID(r))
	writeJSON(w, http.StatusOK, conn)
}

func (h *ConnectionHandlers) delete(w http.ResponseWriter, r *http.Request, id string) {
	conn, err := h.store.GetConnection(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.DeleteConnection(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.differencer.Forget(id)
	h.hub.PublishMapChange(conn.MapID, "connection", "deleted", clientID(r))
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConnectionHandlers) bandwidthHistory(w http.ResponseWriter, r *http.Request, id string) {
	since, maxPoints, err := historyParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	points, err := h.store.AggregatedBandwidth(r.Context(), id, since, maxPoints)
	if err != nil {
		writeError(w, err)
		return
	}
	if points == nil {
		points = []models.AggregatedBandwidthPoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

func validateConnection(c *models.Connection) error {
	if c.MapID == "" {
		return errors.NewClientInputError("create_connection",
			fmt.Errorf("mapId is required")).WithField("mapId")
	}
	if c.SourceDeviceID == "" || c.TargetDeviceID == "" {
		return errors.NewClientInputError("create_connection",
			fmt.Errorf("both endpoints are required"))
	}
	if c.SourceDeviceID == c.TargetDeviceID {
		return errors.NewClientInputError("create_connection",
			fmt.Errorf("connection endpoints must differ"))
	}
	if c.IsDynamic {
		if c.DynamicType != models.DynamicProxmoxVMHost {
			return errors.NewClientInputError("create_connection",
				fmt.Errorf("unknown dynamic connection type %q", c.DynamicType)).WithField("dynamicType")
		}
		if c.DynamicMetadata == nil || c.DynamicMetadata.VMDeviceID == "" {
			return errors.NewClientInputError("create_connection",
				fmt.Errorf("dynamic connections need dynamicMetadata.vmDeviceId")).WithField("dynamicMetadata")
		}
	}
	return nil
}
