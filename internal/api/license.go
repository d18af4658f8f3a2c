package api

import (
	"net/http"

	"github.com/corebit/corebit/internal/config"
	"github.com/corebit/corebit/internal/license"
)

// LicenseHandlers serves license inspection, online activation and
// offline install
type LicenseHandlers struct {
	manager   *license.Manager
	activator *license.ActivationClient
}

func newLicenseHandlers(m *license.Manager, cfg *config.Config) *LicenseHandlers {
	return &LicenseHandlers{
		manager:   m,
		activator: license.NewActivationClient(cfg.LicensingServerURL),
	}
}

func (h *LicenseHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	status, err := h.manager.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type activateRequest struct {
	LicenseKey string `json:"licenseKey"`
}

// handleActivate exchanges a license key for a signed license with the
// licensing server and installs it
func (h *LicenseHandlers) handleActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req activateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	installed, err := h.activator.Activate(r.Context(), h.manager, req.LicenseKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, installed)
}

// handleInstall accepts a signed license document directly, for servers
// without outbound connectivity
func (h *LicenseHandlers) handleInstall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var l license.License
	if err := decodeJSON(w, r, &l); err != nil {
		writeError(w, err)
		return
	}
	if err := h.manager.Install(l); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *LicenseHandlers) handleItem(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r.URL.Path, "/api/license/")
	if len(segs) != 1 {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := h.manager.Remove(segs[0]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
