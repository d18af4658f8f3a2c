package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/corebit/corebit/internal/errors"
	"github.com/corebit/corebit/internal/models"
	"github.com/corebit/corebit/internal/notify"
	"github.com/corebit/corebit/internal/store"
)

// NotificationHandlers serves notification targets, subscriptions,
// delivery history, on-duty shifts and alarm mutes
type NotificationHandlers struct {
	store      *store.Store
	dispatcher DeliveryTester
}

func newNotificationHandlers(st *store.Store, d DeliveryTester) *NotificationHandlers {
	return &NotificationHandlers{store: st, dispatcher: d}
}

func (h *NotificationHandlers) handleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.create(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (h *NotificationHandlers) handleItem(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r.URL.Path, "/api/notifications/")
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
	case len(segs) == 2 && segs[1] == "test":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		h.test(w, r, segs[0])
	default:
		http.NotFound(w, r)
	}
}

func (h *NotificationHandlers) list(w http.ResponseWriter, r *http.Request) {
	targets, err := h.store.ListNotifications(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if targets == nil {
		targets = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, targets)
}

func (h *NotificationHandlers) get(w http.ResponseWriter, r *http.Request, id string) {
	target, err := h.store.GetNotification(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (h *NotificationHandlers) create(w http.ResponseWriter, r *http.Request) {
	var target models.Notification
	if err := decodeJSON(w, r, &target); err != nil {
		writeError(w, err)
		return
	}
	if err := validateNotification(&target); err != nil {
		writeError(w, err)
		return
	}
	if target.ID == "" {
		target.ID = ulid.Make().String()
	}
	if target.Method == "" {
		target.Method = models.MethodPOST
	}
	if err := h.store.CreateNotification(r.Context(), &target); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, target)
}

type notificationPatch struct {
	Name            *string                    `json:"name"`
	URL             *string                    `json:"url"`
	Method          *models.NotificationMethod `json:"method"`
	MessageTemplate *string                    `json:"messageTemplate"`
	Enabled         *bool                      `json:"enabled"`
	OwnerUserID     *string                    `json:"ownerUserId"`
}

func (h *NotificationHandlers) update(w http.ResponseWriter, r *http.Request, id string) {
	var patch notificationPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, err)
		return
	}
	target, err := h.store.GetNotification(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if patch.Name != nil {
		target.Name = *patch.Name
	}
	if patch.URL != nil {
		target.URL = *patch.URL
	}
	if patch.Method != nil {
		target.Method = *patch.Method
	}
	if patch.MessageTemplate != nil {
		target.MessageTemplate = *patch.MessageTemplate
	}
	if patch.Enabled != nil {
		target.Enabled = *patch.Enabled
	}
	if patch.OwnerUserID != nil {
		target.OwnerUserID = *patch.OwnerUserID
	}
	if err := validateNotification(target); err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.UpdateNotification(r.Context(), target); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (h *NotificationHandlers) delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.store.DeleteNotification(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// test fires a synthetic delivery at the target and returns the outcome
// without recording history
func (h *NotificationHandlers) test(w http.ResponseWriter, r *http.Request, id string) {
	target, err := h.store.GetNotification(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	outcome := h.dispatcher.TestDelivery(r.Context(), *target)
	writeJSON(w, http.StatusOK, outcome)
}

func (h *NotificationHandlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, errors.NewClientInputError("notification_history",
				fmt.Errorf("invalid limit %q", raw)).WithField("limit"))
			return
		}
		limit = parsed
	}
	history, err := h.store.ListNotificationHistory(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if history == nil {
		history = []models.NotificationHistory{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *NotificationHandlers) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		deviceID := r.URL.Query().Get("deviceId")
		if deviceID == "" {
			writeError(w, errors.NewClientInputError("list_device_notifications",
				fmt.Errorf("deviceId is required")).WithField("deviceId"))
			return
		}
		targets, err := h.store.ListDeviceNotifications(r.Context(), deviceID)
		if err != nil {
			writeError(w, err)
			return
		}
		if targets == nil {
			targets = []models.Notification{}
		}
		writeJSON(w, http.StatusOK, targets)
	case http.MethodPost:
		var link models.DeviceNotification
		if err := decodeJSON(w, r, &link); err != nil {
			writeError(w, err)
			return
		}
		if link.DeviceID == "" || link.NotificationID == "" {
			writeError(w, errors.NewClientInputError("link_device_notification",
				fmt.Errorf("deviceId and notificationId are required")))
			return
		}
		if err := h.store.LinkDeviceNotification(r.Context(), link.DeviceID, link.NotificationID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, link)
	case http.MethodDelete:
		deviceID, notificationID, err := subscriptionParams(r.URL.Query())
		if err != nil {
			writeError(w, err)
			return
		}
		if err := h.store.UnlinkDeviceNotification(r.Context(), deviceID, notificationID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func subscriptionParams(q url.Values) (string, string, error) {
	deviceID := q.Get("deviceId")
	notificationID := q.Get("notificationId")
	if deviceID == "" || notificationID == "" {
		return "", "", errors.NewClientInputError("unlink_device_notification",
			fmt.Errorf("deviceId and notificationId are required"))
	}
	return deviceID, notificationID, nil
}

func (h *NotificationHandlers) handleShifts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		shift, err := h.store.GetOnDutyShift(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, shift)
	case http.MethodPut:
		var shift models.OnDutyShift
		if err := decodeJSON(w, r, &shift); err != nil {
			writeError(w, err)
			return
		}
		if err := h.store.PutOnDutyShift(r.Context(), &shift); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, shift)
	default:
		methodNotAllowed(w)
	}
}

// handleOnCall resolves who is on duty right now
func (h *NotificationHandlers) handleOnCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	shift, err := h.store.GetOnDutyShift(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	userIDs := notify.OnDutyUserIDs(shift, time.Now())
	if userIDs == nil {
		userIDs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"shift":   shift,
		"userIds": userIDs,
	})
}

func (h *NotificationHandlers) handleMutes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		mutes, err := h.store.ListAlarmMutes(r.Context(), time.Now())
		if err != nil {
			writeError(w, err)
			return
		}
		if mutes == nil {
			mutes = []models.AlarmMute{}
		}
		writeJSON(w, http.StatusOK, mutes)
	case http.MethodPost:
		var mute models.AlarmMute
		if err := decodeJSON(w, r, &mute); err != nil {
			writeError(w, err)
			return
		}
		if mute.MuteUntil != nil && !mute.MuteUntil.After(time.Now()) {
			writeError(w, errors.NewClientInputError("create_alarm_mute",
				fmt.Errorf("muteUntil must be in the future")).WithField("muteUntil"))
			return
		}
		if mute.ID == "" {
			mute.ID = ulid.Make().String()
		}
		if err := h.store.CreateAlarmMute(r.Context(), &mute); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, mute)
	default:
		methodNotAllowed(w)
	}
}

func (h *NotificationHandlers) handleMuteItem(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r.URL.Path, "/api/alarm-mutes/")
	if len(segs) != 1 {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := h.store.DeleteAlarmMute(r.Context(), segs[0]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateNotification(n *models.Notification) error {
	if n.Name == "" {
		return errors.NewClientInputError("validate_notification",
			fmt.Errorf("name is required")).WithField("name")
	}
	parsed, err := url.Parse(n.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return errors.NewClientInputError("validate_notification",
			fmt.Errorf("invalid webhook url %q", n.URL)).WithField("url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.NewClientInputError("validate_notification",
			fmt.Errorf("webhook url must be http or https")).WithField("url")
	}
	if n.Method != "" && n.Method != models.MethodGET && n.Method != models.MethodPOST {
		return errors.NewClientInputError("validate_notification",
			fmt.Errorf("method must be GET or POST")).WithField("method")
	}
	return nil
}
