package notify

import (
	"testing"

	"github.com/corebit/corebit/internal/models"
)

func TestRenderSubstitutesPlaceholders(t *testing.T) {
	device := models.Device{
		Name:    "edge-router",
		Kind:    models.KindMikrotikRouter,
		Address: "10.0.0.1",
		Data:    &models.DeviceData{Identity: "rtr-core"},
	}
	event := models.DeviceStatusEvent{
		PreviousStatus: models.StatusWarning,
		NewStatus:      models.StatusOffline,
	}

	tests := []struct {
		template string
		want     string
	}{
		{"[Device.Name]", "edge-router"},
		{"[Device.Address]", "10.0.0.1"},
		{"[Device.Identity]", "rtr-core"},
		{"[Device.Type]", "mikrotik_router"},
		{"[Service.Status]", "offline"},
		{"[Status.Old] -> [Status.New]", "warning -> offline"},
		{"plain text", "plain text"},
		{"[Unknown.Tag]", "[Unknown.Tag]"},
		{"[Device.Name] ([Device.Address]) is [Service.Status]", "edge-router (10.0.0.1) is offline"},
	}
	for _, tt := range tests {
		if got := Render(tt.template, device, event); got != tt.want {
			t.Errorf("Render(%q) = %q, want %q", tt.template, got, tt.want)
		}
	}
}

func TestRenderMissingValuesAreEmpty(t *testing.T) {
	device := models.Device{Name: "bare", Kind: models.KindGenericPing}
	event := models.DeviceStatusEvent{PreviousStatus: models.StatusOnline, NewStatus: models.StatusOffline}

	if got := Render("addr=[Device.Address] id=[Device.Identity]", device, event); got != "addr= id=" {
		t.Fatalf("Render = %q, want empty substitutions", got)
	}
}
