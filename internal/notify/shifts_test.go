package notify

import (
	"testing"
	"time"

	"github.com/corebit/corebit/internal/models"
)

func utcShift() *models.OnDutyShift {
	return &models.OnDutyShift{
		Day:   models.ShiftWindow{Name: models.ShiftDay, StartTime: "08:00", EndTime: "20:00", Timezone: "UTC", UserIDs: []string{"alice"}},
		Night: models.ShiftWindow{Name: models.ShiftNight, StartTime: "20:00", EndTime: "08:00", Timezone: "UTC", UserIDs: []string{"bob"}},
	}
}

func TestOnDutyUserIDs(t *testing.T) {
	shift := utcShift()
	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"midday", time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC), "alice"},
		{"day start inclusive", time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC), "alice"},
		{"day end exclusive", time.Date(2026, 1, 5, 20, 0, 0, 0, time.UTC), "bob"},
		{"before midnight", time.Date(2026, 1, 5, 23, 59, 0, 0, time.UTC), "bob"},
		{"after midnight", time.Date(2026, 1, 6, 3, 0, 0, 0, time.UTC), "bob"},
		{"night end exclusive", time.Date(2026, 1, 6, 8, 0, 0, 0, time.UTC), "alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users := OnDutyUserIDs(shift, tt.at)
			if len(users) != 1 || users[0] != tt.want {
				t.Fatalf("OnDutyUserIDs(%s) = %v, want [%s]", tt.at, users, tt.want)
			}
		})
	}
}

func TestOnDutyRespectsTimezone(t *testing.T) {
	shift := utcShift()
	shift.Day.Timezone = "America/New_York"
	shift.Night.Timezone = "America/New_York"

	// 13:00 UTC in January is 08:00 in New York: day shift has just begun
	at := time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC)
	users := OnDutyUserIDs(shift, at)
	if len(users) != 1 || users[0] != "alice" {
		t.Fatalf("OnDutyUserIDs = %v, want [alice]", users)
	}

	// one minute earlier is still 07:59 local: night shift
	users = OnDutyUserIDs(shift, at.Add(-time.Minute))
	if len(users) != 1 || users[0] != "bob" {
		t.Fatalf("OnDutyUserIDs = %v, want [bob]", users)
	}
}

func TestOnDutyHandlesMissingConfig(t *testing.T) {
	if got := OnDutyUserIDs(nil, time.Now()); got != nil {
		t.Fatalf("OnDutyUserIDs(nil) = %v, want nil", got)
	}

	empty := &models.OnDutyShift{}
	if got := OnDutyUserIDs(empty, time.Now()); got != nil {
		t.Fatalf("OnDutyUserIDs(empty) = %v, want nil", got)
	}

	bad := utcShift()
	bad.Day.Timezone = "Not/AZone"
	// the day window is skipped; 12:00 falls in neither remaining window
	at := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	if got := OnDutyUserIDs(bad, at); got != nil {
		t.Fatalf("OnDutyUserIDs(bad tz) = %v, want nil", got)
	}
}

func TestParseClockRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "8", "25:00", "08:61", "ab:cd", "08-00"} {
		if _, err := parseClock(s); err == nil {
			t.Errorf("parseClock(%q) accepted invalid clock", s)
		}
	}
	if v, err := parseClock("08:30"); err != nil || v != 510 {
		t.Fatalf("parseClock(08:30) = %d, %v, want 510", v, err)
	}
}
