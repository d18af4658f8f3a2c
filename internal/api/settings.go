package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/corebit/corebit/internal/errors"
	"github.com/corebit/corebit/internal/probe"
	"github.com/corebit/corebit/internal/status"
	"github.com/corebit/corebit/internal/store"
)

// SettingDefaultMap is the map the frontend opens on load
const SettingDefaultMap = "default_map"

// secretSettings never travel over the API in either direction
var secretSettings = map[string]bool{
	SettingAdminPasswordHash: true,
}

// SettingsHandlers serves the runtime-tunable settings
type SettingsHandlers struct {
	store *store.Store
}

func newSettingsHandlers(st *store.Store) *SettingsHandlers {
	return &SettingsHandlers{store: st}
}

// settingValidators maps each writable key to its value check. Unknown
// keys are rejected rather than stored.
var settingValidators = map[string]func(value string) error{
	probe.SettingPollingInterval: func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n < 5 || n > 300 {
			return fmt.Errorf("polling_interval must be 5..300 seconds")
		}
		return nil
	},
	status.SettingOfflineThreshold: func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			return fmt.Errorf("offline_threshold must be 1..100")
		}
		return nil
	},
	store.SettingMetricsRetentionHours: func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("metrics_retention_hours must be a positive integer")
		}
		return nil
	},
	status.SettingNotifyOnWarning: func(v string) error {
		if v != "true" && v != "false" {
			return fmt.Errorf("notify_on_warning must be true or false")
		}
		return nil
	},
	SettingDefaultMap: func(v string) error {
		return nil
	},
}

func (h *SettingsHandlers) handleCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	settings, err := h.store.ListSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if settings == nil {
		settings = map[string]string{}
	}
	for key := range secretSettings {
		delete(settings, key)
	}
	writeJSON(w, http.StatusOK, settings)
}

type settingValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (h *SettingsHandlers) handleItem(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r.URL.Path, "/api/settings/")
	if len(segs) != 1 {
		http.NotFound(w, r)
		return
	}
	key := segs[0]
	if secretSettings[key] {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		value, err := h.store.GetSetting(r.Context(), key, "")
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, settingValue{Key: key, Value: value})
	case http.MethodPut:
		validate, known := settingValidators[key]
		if !known {
			writeError(w, errors.NewClientInputError("put_setting",
				fmt.Errorf("unknown setting %q", key)).WithField("key"))
			return
		}
		var body settingValue
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, err)
			return
		}
		if err := validate(body.Value); err != nil {
			writeError(w, errors.NewClientInputError("put_setting", err).WithField("value"))
			return
		}
		if err := h.store.PutSetting(r.Context(), key, body.Value); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, settingValue{Key: key, Value: body.Value})
	default:
		methodNotAllowed(w)
	}
}
