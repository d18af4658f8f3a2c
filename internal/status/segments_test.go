package status

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/corebit/corebit/internal/models"
)

func mkEvent(at time.Time, from, to models.DeviceStatus) models.DeviceStatusEvent {
	return models.DeviceStatusEvent{
		ID:             fmt.Sprintf("evt-%d", at.Unix()),
		DeviceID:       "dev-1",
		PreviousStatus: from,
		NewStatus:      to,
		CreatedAt:      at,
	}
}

func TestFoldPartitionsRange(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	since := base
	until := base.Add(time.Hour)
	events := []models.DeviceStatusEvent{
		mkEvent(base.Add(10*time.Minute), models.StatusOnline, models.StatusWarning),
		mkEvent(base.Add(12*time.Minute), models.StatusWarning, models.StatusOffline),
		mkEvent(base.Add(40*time.Minute), models.StatusOffline, models.StatusOnline),
	}

	segments := Fold(events, since, until, models.StatusOnline)

	want := []models.DeviceStatusSegment{
		{Status: models.StatusOnline, Start: since, End: base.Add(10 * time.Minute)},
		{Status: models.StatusWarning, Start: base.Add(10 * time.Minute), End: base.Add(12 * time.Minute)},
		{Status: models.StatusOffline, Start: base.Add(12 * time.Minute), End: base.Add(40 * time.Minute)},
		{Status: models.StatusOnline, Start: base.Add(40 * time.Minute), End: until},
	}
	if len(segments) != len(want) {
		t.Fatalf("segment count = %d, want %d: %+v", len(segments), len(want), segments)
	}
	for i, w := range want {
		if segments[i] != w {
			t.Errorf("segment %d = %+v, want %+v", i, segments[i], w)
		}
	}

	// The segments partition [since, until] with no gaps or overlaps.
	if !segments[0].Start.Equal(since) {
		t.Errorf("first segment starts at %v, want %v", segments[0].Start, since)
	}
	if !segments[len(segments)-1].End.Equal(until) {
		t.Errorf("last segment ends at %v, want %v", segments[len(segments)-1].End, until)
	}
	for i := 1; i < len(segments); i++ {
		if !segments[i].Start.Equal(segments[i-1].End) {
			t.Errorf("gap between segment %d and %d: %v vs %v",
				i-1, i, segments[i-1].End, segments[i].Start)
		}
	}
}

func TestFoldNoEvents(t *testing.T) {
	since := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(time.Hour)

	segments := Fold(nil, since, until, models.StatusUnknown)
	if len(segments) != 1 {
		t.Fatalf("segment count = %d, want 1", len(segments))
	}
	got := segments[0]
	if got.Status != models.StatusUnknown || !got.Start.Equal(since) || !got.End.Equal(until) {
		t.Errorf("segment = %+v, want unknown spanning the full range", got)
	}
}

func TestFoldClampsOutOfRangeEvents(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	since := base
	until := base.Add(30 * time.Minute)
	events := []models.DeviceStatusEvent{
		// Before the range: only carries the running status forward.
		mkEvent(base.Add(-time.Hour), models.StatusUnknown, models.StatusOffline),
		mkEvent(base.Add(10*time.Minute), models.StatusOffline, models.StatusOnline),
		// Past the range end: ignored.
		mkEvent(base.Add(2*time.Hour), models.StatusOnline, models.StatusWarning),
	}

	segments := Fold(events, since, until, models.StatusUnknown)
	if len(segments) != 2 {
		t.Fatalf("segment count = %d, want 2: %+v", len(segments), segments)
	}
	if segments[0].Status != models.StatusOffline {
		t.Errorf("first segment status = %s, want offline carried from before the range", segments[0].Status)
	}
	if segments[1].Status != models.StatusOnline || !segments[1].End.Equal(until) {
		t.Errorf("second segment = %+v, want online ending at %v", segments[1], until)
	}
}

func TestFoldEventAtRangeStart(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []models.DeviceStatusEvent{
		mkEvent(base, models.StatusOnline, models.StatusOffline),
	}

	segments := Fold(events, base, base.Add(time.Hour), models.StatusOnline)
	if len(segments) != 1 {
		t.Fatalf("segment count = %d, want 1 with no zero-width prefix: %+v", len(segments), segments)
	}
	if segments[0].Status != models.StatusOffline {
		t.Errorf("segment status = %s, want offline from the boundary event", segments[0].Status)
	}
}

func TestFoldEmptyRange(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := Fold(nil, at, at, models.StatusOnline); got != nil {
		t.Errorf("Fold over empty range = %+v, want nil", got)
	}
	if got := Fold(nil, at, at.Add(-time.Minute), models.StatusOnline); got != nil {
		t.Errorf("Fold over inverted range = %+v, want nil", got)
	}
}

func TestSegmentsInitialFromEventChain(t *testing.T) {
	e, s, _, _ := newEngineFixture(t, 30*time.Second)
	ctx := context.Background()
	seedDevice(t, s, "dev-1", models.StatusUnknown)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	chain := []models.DeviceStatusEvent{
		mkEvent(base.Add(-2*time.Hour), models.StatusUnknown, models.StatusOnline),
		mkEvent(base.Add(20*time.Minute), models.StatusOnline, models.StatusOffline),
	}
	for i := range chain {
		if err := s.RecordStatusEvent(ctx, &chain[i]); err != nil {
			t.Fatalf("RecordStatusEvent returned error: %v", err)
		}
	}

	segments, err := e.Segments(ctx, "dev-1", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("Segments returned error: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("segment count = %d, want 2: %+v", len(segments), segments)
	}
	// The in-range event's previousStatus pins the prefix.
	if segments[0].Status != models.StatusOnline {
		t.Errorf("prefix status = %s, want online", segments[0].Status)
	}
	if segments[1].Status != models.StatusOffline {
		t.Errorf("suffix status = %s, want offline", segments[1].Status)
	}
}

func TestSegmentsInitialFromLatestBeforeRange(t *testing.T) {
	e, s, _, _ := newEngineFixture(t, 30*time.Second)
	ctx := context.Background()
	seedDevice(t, s, "dev-1", models.StatusUnknown)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	evt := mkEvent(base.Add(-time.Hour), models.StatusOnline, models.StatusOffline)
	if err := s.RecordStatusEvent(ctx, &evt); err != nil {
		t.Fatalf("RecordStatusEvent returned error: %v", err)
	}

	segments, err := e.Segments(ctx, "dev-1", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("Segments returned error: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("segment count = %d, want 1: %+v", len(segments), segments)
	}
	if segments[0].Status != models.StatusOffline {
		t.Errorf("status = %s, want offline carried from the last event", segments[0].Status)
	}
}

func TestSegmentsNoEventsIsUnknown(t *testing.T) {
	e, s, _, _ := newEngineFixture(t, 30*time.Second)
	ctx := context.Background()
	seedDevice(t, s, "dev-1", models.StatusUnknown)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	segments, err := e.Segments(ctx, "dev-1", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("Segments returned error: %v", err)
	}
	if len(segments) != 1 || segments[0].Status != models.StatusUnknown {
		t.Errorf("segments = %+v, want a single unknown segment", segments)
	}
}
