package status

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/corebit/corebit/internal/errors"
	"github.com/corebit/corebit/internal/models"
)

// Fold derives contiguous status segments from an ascending event list,
// clamped to [since, until]. initial is the status in force at since; the
// returned segments exactly partition the range.
func Fold(events []models.DeviceStatusEvent, since, until time.Time, initial models.DeviceStatus) []models.DeviceStatusSegment {
	if !until.After(since) {
		return nil
	}
	if initial == "" {
		initial = models.StatusUnknown
	}

	var segments []models.DeviceStatusSegment
	current := initial
	cursor := since

	for _, e := range events {
		if !e.CreatedAt.After(since) {
			// Event at or before the range start only updates the
			// running status.
			current = e.NewStatus
			continue
		}
		if !e.CreatedAt.Before(until) {
			break
		}
		if e.CreatedAt.After(cursor) {
			segments = append(segments, models.DeviceStatusSegment{
				Status: current, Start: cursor, End: e.CreatedAt,
			})
			cursor = e.CreatedAt
		}
		current = e.NewStatus
	}

	segments = append(segments, models.DeviceStatusSegment{
		Status: current, Start: cursor, End: until,
	})
	return segments
}

// Segments loads a device's events and folds them over [since, until].
// The status in force at since comes from the event chain: the first
// in-range event's previousStatus, or the last event before the range.
// Devices with no events at all are unknown throughout.
func (e *Engine) Segments(ctx context.Context, deviceID string, since, until time.Time) ([]models.DeviceStatusSegment, error) {
	events, err := e.events.ListStatusEvents(ctx, deviceID, since, true)
	if err != nil {
		return nil, err
	}

	initial := models.StatusUnknown
	if len(events) > 0 {
		initial = events[0].PreviousStatus
	} else {
		latest, err := e.events.LatestStatusEvent(ctx, deviceID)
		switch {
		case err == nil && !latest.CreatedAt.After(since):
			initial = latest.NewStatus
		case err != nil && !stdErrors.Is(err, errors.ErrNotFound):
			return nil, err
		}
	}
	return Fold(events, since, until, initial), nil
}
