package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/corebit/corebit/internal/errors"
	"github.com/corebit/corebit/internal/models"
	"github.com/corebit/corebit/internal/scanner"
	"github.com/corebit/corebit/internal/store"
	"github.com/corebit/corebit/internal/telemetry"
)

const sseHeartbeat = 15 * time.Second

// ScanHandlers serves network discovery and saved scan profiles
type ScanHandlers struct {
	store   *store.Store
	scanner ScanRunner
}

func newScanHandlers(st *store.Store, sc ScanRunner) *ScanHandlers {
	return &ScanHandlers{store: st, scanner: sc}
}

// handleScan runs a full scan and returns the collected results in one
// response
func (h *ScanHandlers) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req scanner.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.scanner.RunCollect(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleScanStream relays scan events as SSE frames. Request parameters
// ride in the query string because EventSource cannot send a body.
func (h *ScanHandlers) handleScanStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported"))
		return
	}

	req := scanner.Request{
		IPRange:              r.URL.Query().Get("ipRange"),
		CredentialProfileIDs: splitCSV(r.URL.Query().Get("credentialProfileIds")),
		ProbeTypes:           splitCSV(r.URL.Query().Get("probeTypes")),
	}

	// Run validates the range before returning the channel, so bad input
	// still gets a JSON 400 instead of an SSE error frame.
	events, err := h.scanner.Run(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	telemetry.Get().AddSSEClient(1)
	defer telemetry.Get().AddSSEClient(-1)

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				log.Debug().Err(err).Msg("SSE client gone")
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, ev scanner.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
	return err
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (h *ScanHandlers) handleProfiles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		profiles, err := h.store.ListScanProfiles(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if profiles == nil {
			profiles = []models.ScanProfile{}
		}
		writeJSON(w, http.StatusOK, profiles)
	case http.MethodPost:
		var profile models.ScanProfile
		if err := decodeJSON(w, r, &profile); err != nil {
			writeError(w, err)
			return
		}
		if profile.Name == "" {
			writeError(w, errors.NewClientInputError("create_scan_profile",
				fmt.Errorf("name is required")).WithField("name"))
			return
		}
		if profile.IPRange == "" {
			writeError(w, errors.NewClientInputError("create_scan_profile",
				fmt.Errorf("ipRange is required")).WithField("ipRange"))
			return
		}
		if profile.ID == "" {
			profile.ID = ulid.Make().String()
		}
		if err := h.store.CreateScanProfile(r.Context(), &profile); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, profile)
	default:
		methodNotAllowed(w)
	}
}

func (h *ScanHandlers) handleProfileItem(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r.URL.Path, "/api/scan-profiles/")
	if len(segs) != 1 {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		profile, err := h.store.GetScanProfile(r.Context(), segs[0])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	case http.MethodDelete:
		if err := h.store.DeleteScanProfile(r.Context(), segs[0]); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}
