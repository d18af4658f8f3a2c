package notify

import (
	"strings"

	"github.com/corebit/corebit/internal/models"
)

// Render substitutes the bracketed placeholders of a message template with
// values from the device and the transition that triggered delivery.
// Unknown placeholders are left untouched; placeholders whose value is
// missing on the device render as an empty string.
func Render(template string, device models.Device, event models.DeviceStatusEvent) string {
	identity := ""
	if device.Data != nil {
		identity = device.Data.Identity
	}
	r := strings.NewReplacer(
		"[Device.Name]", device.Name,
		"[Device.Address]", device.Address,
		"[Device.Identity]", identity,
		"[Device.Type]", string(device.Kind),
		"[Service.Status]", string(event.NewStatus),
		"[Status.Old]", string(event.PreviousStatus),
		"[Status.New]", string(event.NewStatus),
	)
	return r.Replace(template)
}

// DefaultTemplate is used when a notification has no template configured.
const DefaultTemplate = "[Device.Name] ([Device.Address]) changed from [Status.Old] to [Status.New]"
