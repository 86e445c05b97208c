package entities

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/trymwestin/dailyconnect/internal/core/state"
)

const dateLayout = "2006-01-02"

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// Event is a calendar entry with resolved instants.
type Event struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day"`
}

// ParseEvent resolves the start and end strings of a calendar entry in loc.
// A date-only start begins at local midnight. A date-only end, or a missing
// end on a date-only start, finishes at 23:59:59 of that day. A date-time is
// an exact instant and a missing end equals the start.
func ParseEvent(ev state.CalendarEvent, loc *time.Location) (Event, error) {
	if ev.Start == "" {
		return Event{}, errors.New("entities: calendar event has no start")
	}
	start, startDateOnly, err := parseBoundary(ev.Start, loc)
	if err != nil {
		return Event{}, fmt.Errorf("entities: calendar start: %w", err)
	}

	var end time.Time
	switch {
	case ev.End != "":
		e, endDateOnly, err := parseBoundary(ev.End, loc)
		if err != nil {
			return Event{}, fmt.Errorf("entities: calendar end: %w", err)
		}
		if endDateOnly {
			e = endOfDay(e)
		}
		end = e
	case startDateOnly:
		end = endOfDay(start)
	default:
		end = start
	}

	return Event{
		Title:       ev.Title,
		Description: ev.Description,
		Start:       start,
		End:         end,
		AllDay:      startDateOnly || (ev.AllDay != nil && *ev.AllDay),
	}, nil
}

// NextEvent returns the upcoming event with the earliest start at or after
// now. Entries that fail to parse are skipped.
func NextEvent(snap *state.Snapshot, now time.Time) (Event, bool) {
	if snap == nil {
		return Event{}, false
	}
	var next Event
	found := false
	for _, raw := range snap.Calendar {
		ev, err := ParseEvent(raw, now.Location())
		if err != nil || ev.Start.Before(now) {
			continue
		}
		if !found || ev.Start.Before(next.Start) {
			next, found = ev, true
		}
	}
	return next, found
}

// EventsBetween returns the events overlapping [start, end] in feed order.
func EventsBetween(snap *state.Snapshot, start, end time.Time) []Event {
	if snap == nil {
		return nil
	}
	var out []Event
	for _, raw := range snap.Calendar {
		ev, err := ParseEvent(raw, start.Location())
		if err != nil {
			continue
		}
		if !ev.Start.After(end) && !ev.End.Before(start) {
			out = append(out, ev)
		}
	}
	return out
}

func parseBoundary(s string, loc *time.Location) (t time.Time, dateOnly bool, err error) {
	if !strings.Contains(s, "T") {
		t, err = time.ParseInLocation(dateLayout, s, loc)
		return t, true, err
	}
	for _, layout := range dateTimeLayouts {
		if t, err = time.ParseInLocation(layout, s, loc); err == nil {
			return t, false, nil
		}
	}
	return time.Time{}, false, err
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, t.Location())
}
