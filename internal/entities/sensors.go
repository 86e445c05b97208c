// Package entities derives the observable values (sensors, binary sensors,
// photo, calendar) that consumers expose from a published snapshot.
package entities

import (
	"encoding/json"
	"strings"

	"github.com/trymwestin/dailyconnect/internal/core/state"
)

// Units and classes used by the sensor table. They follow Home Assistant's
// vocabulary.
const (
	DeviceClassDuration  = "duration"
	DeviceClassTimestamp = "timestamp"
	DeviceClassVolume    = "volume"
	DeviceClassOccupancy = "occupancy"

	StateClassTotalIncreasing = "total_increasing"
)

// SensorDescription is one entry of the per-child sensor table.
type SensorDescription struct {
	Key         string
	Name        string
	Icon        string
	Unit        string
	DeviceClass string
	StateClass  string
	// Value extracts the sensor state. Nil means unknown.
	Value func(state.ChildSnapshot) any
	// Attributes returns extra attributes, or nil when there are none.
	Attributes func(state.ChildSnapshot) map[string]any
}

// BinarySensorDescription is one entry of the per-child binary sensor table.
type BinarySensorDescription struct {
	Key         string
	Name        string
	DeviceClass string
	IconOn      string
	IconOff     string
	Value       func(state.ChildSnapshot) bool
}

// Icon returns the icon for the given state.
func (d BinarySensorDescription) Icon(on bool) string {
	if on {
		return d.IconOn
	}
	return d.IconOff
}

// ChildSensors is the authoritative per-child sensor table.
var ChildSensors = []SensorDescription{
	// sleep
	{
		Key: "sleep_status", Name: "Sleep Status", Icon: "mdi:sleep",
		Value: func(c state.ChildSnapshot) any {
			if IsSleeping(c) {
				return "sleeping"
			}
			return "awake"
		},
	},
	countSensor("sleep_count", "Sleep Count", "mdi:counter", "naps", "nrOfSleep"),
	{
		Key: "sleep_duration", Name: "Sleep Duration", Icon: "mdi:clock", Unit: "min",
		DeviceClass: DeviceClassDuration, StateClass: StateClassTotalIncreasing,
		Value: summaryValue("totalSleepDuration", 0),
	},
	timeSensor("last_sleep", "Last Sleep", "mdi:clock-outline", "timeOfLastSleeping"),

	// feeding
	countSensor("bottle_count", "Bottle Count", "mdi:baby-bottle", "bottles", "nrOfBottle"),
	{
		Key: "bottle_volume", Name: "Bottle Volume", Icon: "mdi:baby-bottle-outline", Unit: "fl. oz.",
		DeviceClass: DeviceClassVolume, StateClass: StateClassTotalIncreasing,
		Value: summaryValue("totalBottleSize", 0),
	},
	timeSensor("last_bottle", "Last Bottle", "mdi:clock-outline", "timeOfLastBottle"),
	timeSensor("last_food", "Last Food", "mdi:food", "timeOfLastFood"),

	// diapers
	countSensor("diaper_count", "Diaper Count", "mdi:baby", "diapers", "nrOfDiapers"),
	countSensor("wet_diapers", "Wet Diapers", "mdi:water", "diapers", "nrOfWetDiapers"),
	countSensor("bm_diapers", "BM Diapers", "mdi:baby", "diapers", "nrOfBMDiapers"),
	timeSensor("last_diaper", "Last Diaper", "mdi:clock-outline", "timeOfLastDiaper"),

	// activity list
	{
		Key: "activities", Name: "Activities", Icon: "mdi:calendar-today", Unit: "activities",
		StateClass: StateClassTotalIncreasing,
		Value:      func(c state.ChildSnapshot) any { return len(Activities(c)) },
		Attributes: recentActivities,
	},
	categoryCount("potty_count", "Potty Count", "mdi:toilet", "times", CategoryPotty, ""),
	categoryLast("last_potty", "Last Potty", CategoryPotty),
	categoryCount("medication_count", "Medication Count", "mdi:pill", "doses", CategoryMedication, "medications_today"),
	categoryLast("last_medication", "Last Medication", CategoryMedication),
	categoryCount("needs_count", "Needs", "mdi:hand-extended", "items", CategoryNeed, "needs_today"),
}

// ChildBinarySensors is the per-child binary sensor table.
var ChildBinarySensors = []BinarySensorDescription{
	{
		Key: "sleeping", Name: "Sleeping", DeviceClass: DeviceClassOccupancy,
		IconOn: "mdi:sleep", IconOff: "mdi:sleep-off",
		Value: IsSleeping,
	},
}

// SensorState is an evaluated sensor.
type SensorState struct {
	Key        string         `json:"key"`
	Name       string         `json:"name"`
	Value      any            `json:"value"`
	Unit       string         `json:"unit,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Evaluate runs every sensor and binary sensor in table order.
func Evaluate(c state.ChildSnapshot) []SensorState {
	out := make([]SensorState, 0, len(ChildSensors)+len(ChildBinarySensors))
	for _, d := range ChildSensors {
		s := SensorState{Key: d.Key, Name: d.Name, Value: d.Value(c), Unit: d.Unit}
		if d.Attributes != nil {
			s.Attributes = d.Attributes(c)
		}
		out = append(out, s)
	}
	for _, d := range ChildBinarySensors {
		out = append(out, SensorState{Key: d.Key, Name: d.Name, Value: d.Value(c)})
	}
	return out
}

// Values returns every sensor value keyed by sensor key.
func Values(c state.ChildSnapshot) map[string]any {
	values := make(map[string]any, len(ChildSensors))
	for _, d := range ChildSensors {
		values[d.Key] = d.Value(c)
	}
	return values
}

// Available reports whether a child's entities should be shown as available:
// the last cycle succeeded and the child is in the snapshot.
func Available(st state.Status, snap *state.Snapshot, childID string) bool {
	if !st.LastUpdateSuccess {
		return false
	}
	_, ok := snap.Child(childID)
	return ok
}

// IsSleeping reads summary.summary.isSleeping.
func IsSleeping(c state.ChildSnapshot) bool {
	return truthy(summaryField(c, "isSleeping"))
}

func countSensor(key, name, icon, unit, field string) SensorDescription {
	return SensorDescription{
		Key: key, Name: name, Icon: icon, Unit: unit,
		StateClass: StateClassTotalIncreasing,
		Value:      summaryValue(field, 0),
	}
}

func timeSensor(key, name, icon, field string) SensorDescription {
	return SensorDescription{
		Key: key, Name: name, Icon: icon,
		DeviceClass: DeviceClassTimestamp,
		Value:       summaryValue(field, nil),
	}
}

func categoryCount(key, name, icon, unit string, cat int, listAttr string) SensorDescription {
	d := SensorDescription{
		Key: key, Name: name, Icon: icon, Unit: unit,
		StateClass: StateClassTotalIncreasing,
		Value:      func(c state.ChildSnapshot) any { return len(ByCategory(c, cat)) },
	}
	if listAttr != "" {
		d.Attributes = func(c state.ChildSnapshot) map[string]any {
			acts := ByCategory(c, cat)
			if len(acts) == 0 {
				return nil
			}
			items := make([]map[string]any, 0, len(acts))
			for _, a := range acts {
				items = append(items, map[string]any{"time": a.Time, "description": a.Text})
			}
			return map[string]any{listAttr: items}
		}
	}
	return d
}

func categoryLast(key, name string, cat int) SensorDescription {
	return SensorDescription{
		Key: key, Name: name, Icon: "mdi:clock-outline",
		DeviceClass: DeviceClassTimestamp,
		Value: func(c state.ChildSnapshot) any {
			acts := ByCategory(c, cat)
			if len(acts) == 0 {
				return nil
			}
			return acts[len(acts)-1].Time
		},
	}
}

func recentActivities(c state.ChildSnapshot) map[string]any {
	acts := Activities(c)
	if len(acts) == 0 {
		return nil
	}
	if len(acts) > 5 {
		acts = acts[len(acts)-5:]
	}
	items := make([]map[string]any, 0, len(acts))
	for _, a := range acts {
		item := map[string]any{"time": a.Time, "description": a.Text, "category": a.Category, "photo_id": nil}
		if a.Category == CategoryPhoto && a.PhotoID != "" {
			item["photo_id"] = a.PhotoID
		}
		items = append(items, item)
	}
	return map[string]any{"recent_activities": items}
}

func summaryValue(field string, fallback any) func(state.ChildSnapshot) any {
	return func(c state.ChildSnapshot) any {
		if v := summaryField(c, field); v != nil {
			return v
		}
		return fallback
	}
}

// summaryField reads summary.summary.<field>.
func summaryField(c state.ChildSnapshot, field string) any {
	inner, ok := c.Summary["summary"].(map[string]any)
	if !ok {
		return nil
	}
	return inner[field]
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case json.Number:
		f, err := x.Float64()
		return err == nil && f != 0
	case float64:
		return x != 0
	case int:
		return x != 0
	case string:
		s := strings.ToLower(strings.TrimSpace(x))
		return s == "true" || s == "1" || s == "yes"
	default:
		return false
	}
}
