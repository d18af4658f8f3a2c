package api

import (
	"fmt"
	"net/http"

	"github.com/oklog/ulid/v2"

	"github.com/corebit/corebit/internal/errors"
	"github.com/corebit/corebit/internal/models"
	"github.com/corebit/corebit/internal/store"
	"github.com/corebit/corebit/internal/websocket"
)

// MapHandlers serves /api/maps
type MapHandlers struct {
	store *store.Store
	hub   *websocket.Hub
}

func newMapHandlers(st *store.Store, hub *websocket.Hub) *MapHandlers {
	return &MapHandlers{store: st, hub: hub}
}

func (h *MapHandlers) handleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.create(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (h *MapHandlers) handleItem(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r.URL.Path, "/api/maps/")
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
	case len(segs) == 2 && segs[1] == "placements":
		switch r.Method {
		case http.MethodGet:
			h.listPlacements(w, r, segs[0])
		case http.MethodPost:
			h.upsertPlacement(w, r, segs[0])
		default:
			methodNotAllowed(w)
		}
	case len(segs) == 3 && segs[1] == "placements":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		h.deletePlacement(w, r, segs[0], segs[2])
	default:
		http.NotFound(w, r)
	}
}

func (h *MapHandlers) list(w http.ResponseWriter, r *http.Request) {
	maps, err := h.store.ListMaps(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if maps == nil {
		maps = []models.NetworkMap{}
	}
	writeJSON(w, http.StatusOK, maps)
}

func (h *MapHandlers) get(w http.ResponseWriter, r *http.Request, id string) {
	m, err := h.store.GetMap(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MapHandlers) create(w http.ResponseWriter, r *http.Request) {
	var m models.NetworkMap
	if err := decodeJSON(w, r, &m); err != nil {
		writeError(w, err)
		return
	}
	if m.Name == "" {
		writeError(w, errors.NewClientInputError("create_map",
			fmt.Errorf("name is required")).WithField("name"))
		return
	}
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	if err := h.store.CreateMap(r.Context(), &m); err != nil {
		writeError(w, err)
		return
	}
	h.hub.PublishMapChange(m.ID, "map", "created", clientID(r))
	writeJSON(w, http.StatusCreated, m)
}

type mapPatch struct {
	Name      *string `json:"name"`
	IsDefault *bool   `json:"isDefault"`
}

func (h *MapHandlers) update(w http.ResponseWriter, r *http.Request, id string) {
	var patch mapPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, err)
		return
	}
	m, err := h.store.GetMap(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if patch.Name != nil {
		if *patch.Name == "" {
			writeError(w, errors.NewClientInputError("update_map",
				fmt.Errorf("name is required")).WithField("name"))
			return
		}
		m.Name = *patch.Name
	}
	if patch.IsDefault != nil {
		m.IsDefault = *patch.IsDefault
	}
	if err := h.store.UpdateMap(r.Context(), m); err != nil {
		writeError(w, err)
		return
	}
	h.hub.PublishMapChange(id, "map", "updated", clientID(r))
	writeJSON(w, http.StatusOK, m)
}

func (h *MapHandlers) delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.store.DeleteMap(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.hub.PublishMapChange(id, "map", "deleted", clientID(r))
	w.WriteHeader(http.StatusNoContent)
}

func (h *MapHandlers) listPlacements(w http.ResponseWriter, r *http.Request, mapID string) {
	placements, err := h.store.ListPlacements(r.Context(), mapID)
	if err != nil {
		writeError(w, err)
		return
	}
	if placements == nil {
		placements = []models.DevicePlacement{}
	}
	writeJSON(w, http.StatusOK, placements)
}

// upsertPlacement places a device on the map or moves it if already placed
func (h *MapHandlers) upsertPlacement(w http.ResponseWriter, r *http.Request, mapID string) {
	var p models.DevicePlacement
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, err)
		return
	}
	if p.DeviceID == "" {
		writeError(w, errors.NewClientInputError("upsert_placement",
			fmt.Errorf("deviceId is required")).WithField("deviceId"))
		return
	}
	p.MapID = mapID
	if err := h.store.UpsertPlacement(r.Context(), &p); err != nil {
		writeError(w, err)
		return
	}
	h.hub.PublishMapChange(mapID, "placement", "moved", clientID(r))
	writeJSON(w, http.StatusOK, p)
}

func (h *MapHandlers) deletePlacement(w http.ResponseWriter, r *http.Request, mapID, deviceID string) {
	if err := h.store.DeletePlacement(r.Context(), mapID, deviceID); err != nil {
		writeError(w, err)
		return
	}
	h.hub.PublishMapChange(mapID, "placement", "deleted", clientID(r))
	w.WriteHeader(http.StatusNoContent)
}
