package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/corebit/corebit/internal/models"
)

// OnDutyUserIDs returns the user ids of the shift window that contains the
// given instant. The day window is evaluated first so that a misconfigured
// overlap still yields exactly one shift. A nil result means no window
// matched (or none was configured).
func OnDutyUserIDs(shift *models.OnDutyShift, now time.Time) []string {
	if shift == nil {
		return nil
	}
	for _, w := range []models.ShiftWindow{shift.Day, shift.Night} {
		ok, err := windowContains(w, now)
		if err != nil {
			continue
		}
		if ok {
			return w.UserIDs
		}
	}
	return nil
}

// windowContains reports whether now falls inside the window, evaluated in
// the window's own timezone. The start is inclusive and the end exclusive;
// a window whose end is at or before its start wraps past midnight.
func windowContains(w models.ShiftWindow, now time.Time) (bool, error) {
	if w.StartTime == "" || w.EndTime == "" {
		return false, fmt.Errorf("shift %s: empty bounds", w.Name)
	}
	loc := time.UTC
	if w.Timezone != "" {
		l, err := time.LoadLocation(w.Timezone)
		if err != nil {
			return false, fmt.Errorf("shift %s: %w", w.Name, err)
		}
		loc = l
	}
	start, err := parseClock(w.StartTime)
	if err != nil {
		return false, fmt.Errorf("shift %s: %w", w.Name, err)
	}
	end, err := parseClock(w.EndTime)
	if err != nil {
		return false, fmt.Errorf("shift %s: %w", w.Name, err)
	}

	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()
	if start < end {
		return minute >= start && minute < end, nil
	}
	// wraps midnight (e.g. 20:00-08:00)
	return minute >= start || minute < end, nil
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	min, err := strconv.Atoi(m)
	if err != nil || min < 0 || min > 59 {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	return hour*60 + min, nil
}
