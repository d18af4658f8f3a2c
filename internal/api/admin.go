package api

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/corebit/corebit/internal/auth"
	"github.com/corebit/corebit/internal/config"
	"github.com/corebit/corebit/internal/errors"
	"github.com/corebit/corebit/internal/store"
)

// SettingAdminPasswordHash is where the recovery flow stores the bcrypt
// hash for the fronting auth layer to consume
const SettingAdminPasswordHash = "admin_password_hash"

// AdminHandlers serves break-glass operations
type AdminHandlers struct {
	config *config.Config
	store  *store.Store
}

func newAdminHandlers(cfg *config.Config, st *store.Store) *AdminHandlers {
	return &AdminHandlers{config: cfg, store: st}
}

type recoveryRequest struct {
	Secret      string `json:"secret"`
	NewPassword string `json:"newPassword,omitempty"`
}

type recoveryResponse struct {
	Status       string `json:"status"`
	TempPassword string `json:"tempPassword,omitempty"`
}

// handleRecovery resets the admin password when the caller presents the
// out-of-band recovery secret. The password comes from the request body,
// then ADMIN_RECOVERY_PASSWORD, then a generated temporary one returned
// once in the response.
func (h *AdminHandlers) handleRecovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req recoveryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	if !auth.VerifyRecoverySecret(req.Secret, h.config.AdminRecoverySecret) {
		log.Warn().Str("remote", r.RemoteAddr).Msg("Admin recovery rejected")
		writeError(w, errors.NewAuthError("admin_recovery", "",
			fmt.Errorf("invalid recovery secret")))
		return
	}

	password := req.NewPassword
	if password == "" {
		password = h.config.AdminRecoveryPassword
	}
	generated := ""
	if password == "" {
		temp, err := auth.GenerateTempPassword()
		if err != nil {
			writeError(w, err)
			return
		}
		password = temp
		generated = temp
	}
	if err := auth.ValidatePasswordComplexity(password); err != nil {
		writeError(w, errors.NewClientInputError("admin_recovery", err).WithField("newPassword"))
		return
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.PutSetting(r.Context(), SettingAdminPasswordHash, hash); err != nil {
		writeError(w, err)
		return
	}

	log.Info().Str("remote", r.RemoteAddr).Msg("Admin password reset via recovery secret")
	writeJSON(w, http.StatusOK, recoveryResponse{
		Status:       "password_reset",
		TempPassword: generated,
	})
}
