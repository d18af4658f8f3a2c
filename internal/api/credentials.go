package api

import (
	"fmt"
	"net/http"

	"github.com/oklog/ulid/v2"

	"github.com/corebit/corebit/internal/errors"
	"github.com/corebit/corebit/internal/models"
	"github.com/corebit/corebit/internal/store"
)

// CredentialHandlers serves /api/credential-profiles
type CredentialHandlers struct {
	store *store.Store
}

func newCredentialHandlers(st *store.Store) *CredentialHandlers {
	return &CredentialHandlers{store: st}
}

func (h *CredentialHandlers) handleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.create(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (h *CredentialHandlers) handleItem(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r.URL.Path, "/api/credential-profiles/")
	if len(segs) != 1 {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.get(w, r, segs[0])
	case http.MethodPatch:
		h.update(w, r, segs[0])
	case http.MethodDelete:
		h.delete(w, r, segs[0])
	default:
		methodNotAllowed(w)
	}
}

func (h *CredentialHandlers) list(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.store.ListCredentialProfiles(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if profiles == nil {
		profiles = []models.CredentialProfile{}
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (h *CredentialHandlers) get(w http.ResponseWriter, r *http.Request, id string) {
	profile, err := h.store.GetCredentialProfile(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *CredentialHandlers) create(w http.ResponseWriter, r *http.Request) {
	var profile models.CredentialProfile
	if err := decodeJSON(w, r, &profile); err != nil {
		writeError(w, err)
		return
	}
	if err := validateCredentialProfile(&profile); err != nil {
		writeError(w, err)
		return
	}
	if profile.ID == "" {
		profile.ID = ulid.Make().String()
	}
	if err := h.store.CreateCredentialProfile(r.Context(), &profile); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

type credentialPatch struct {
	Name        *string            `json:"name"`
	Credentials models.Credentials `json:"credentials"`
}

// update renames a profile or replaces its credential bag. The type is
// immutable; devices bind probers by profile type.
func (h *CredentialHandlers) update(w http.ResponseWriter, r *http.Request, id string) {
	var patch credentialPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, err)
		return
	}
	profile, err := h.store.GetCredentialProfile(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if patch.Name != nil {
		profile.Name = *patch.Name
	}
	if patch.Credentials != nil {
		profile.Credentials = patch.Credentials
	}
	if err := h.store.UpdateCredentialProfile(r.Context(), profile); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *CredentialHandlers) delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.store.DeleteCredentialProfile(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateCredentialProfile(p *models.CredentialProfile) error {
	if p.Name == "" {
		return errors.NewClientInputError("create_credential_profile",
			fmt.Errorf("name is required")).WithField("name")
	}
	switch p.Type {
	case models.CredentialMikrotik, models.CredentialSNMP,
		models.CredentialPrometheus, models.CredentialProxmox:
	default:
		return errors.NewClientInputError("create_credential_profile",
			fmt.Errorf("unknown credential type %q", p.Type)).WithField("type")
	}
	return nil
}
