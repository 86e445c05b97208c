package mqtt

import (
	"fmt"
	"time"

	"github.com/trymwestin/dailyconnect/internal/core/state"
	"github.com/trymwestin/dailyconnect/internal/entities"
)

// Topics builds every topic the publisher uses:
// {prefix}/{device_id}/... for state and
// {discovery}/{component}/{device_id}_{object}/config for discovery.
type Topics struct {
	Prefix    string
	Discovery string
	DeviceID  string
}

// NewTopics derives topics from the config, filling empty prefixes.
func NewTopics(cfg MQTTConfig) Topics {
	t := Topics{Prefix: cfg.TopicPrefix, Discovery: cfg.DiscoveryPrefix, DeviceID: cfg.DeviceID}
	if t.Prefix == "" {
		t.Prefix = "dailyconnect"
	}
	if t.Discovery == "" {
		t.Discovery = "homeassistant"
	}
	if t.DeviceID == "" {
		t.DeviceID = "dailyconnect"
	}
	return t
}

func (t Topics) topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", t.Prefix, t.DeviceID, suffix)
}

func (t Topics) Availability() string       { return t.topic("status") }
func (t Topics) RefreshCommand() string     { return t.topic("refresh/set") }
func (t Topics) CalendarState() string      { return t.topic("calendar/state") }
func (t Topics) CalendarAttributes() string { return t.topic("calendar/attributes") }
func (t Topics) UpdateState() string        { return t.topic("update/state") }
func (t Topics) UpdateAttributes() string   { return t.topic("update/attributes") }

func (t Topics) ChildState(childID string) string { return t.topic(childID + "/state") }

func (t Topics) ChildAttributes(childID, key string) string {
	return t.topic(childID + "/attributes/" + key)
}

func (t Topics) ChildBinary(childID, key string) string { return t.topic(childID + "/" + key) }
func (t Topics) ChildPhoto(childID string) string       { return t.topic(childID + "/photo") }

func (t Topics) ChildPhotoAttributes(childID string) string {
	return t.topic(childID + "/photo/attributes")
}

// Discovery returns the discovery config topic for an object.
func (t Topics) DiscoveryTopic(component, objectID string) string {
	return fmt.Sprintf("%s/%s/%s_%s/config", t.Discovery, component, t.DeviceID, objectID)
}

// DiscoveryConfig is one retained discovery message.
type DiscoveryConfig struct {
	Topic   string
	Payload map[string]any
}

func childDevice(t Topics, childID, name string) map[string]any {
	return map[string]any{
		"identifiers":  []string{fmt.Sprintf("%s_%s", t.DeviceID, childID)},
		"name":         name,
		"manufacturer": "DailyConnect",
		"model":        "Child Profile",
		"via_device":   t.DeviceID,
	}
}

func accountDevice(t Topics) map[string]any {
	return map[string]any{
		"identifiers":  []string{t.DeviceID},
		"name":         "DailyConnect Account",
		"manufacturer": "DailyConnect",
		"model":        "Account",
	}
}

func availability(t Topics) map[string]any {
	return map[string]any{"topic": t.Availability()}
}

// ChildDiscovery builds the discovery configs for every entity of one child.
func ChildDiscovery(t Topics, childID, name string, withPhoto bool) []DiscoveryConfig {
	dev := childDevice(t, childID, name)
	avail := availability(t)
	var out []DiscoveryConfig

	for _, d := range entities.ChildSensors {
		payload := map[string]any{
			"name":           fmt.Sprintf("%s %s", name, d.Name),
			"unique_id":      fmt.Sprintf("dailyconnect_%s_%s", childID, d.Key),
			"state_topic":    t.ChildState(childID),
			"value_template": fmt.Sprintf("{{ value_json.%s }}", d.Key),
			"device":         dev,
			"availability":   avail,
		}
		if d.Icon != "" {
			payload["icon"] = d.Icon
		}
		if d.Unit != "" {
			payload["unit_of_measurement"] = d.Unit
		}
		if d.DeviceClass != "" {
			payload["device_class"] = d.DeviceClass
		}
		if d.StateClass != "" {
			payload["state_class"] = d.StateClass
		}
		if d.Attributes != nil {
			payload["json_attributes_topic"] = t.ChildAttributes(childID, d.Key)
		}
		out = append(out, DiscoveryConfig{
			Topic:   t.DiscoveryTopic("sensor", childID+"_"+d.Key),
			Payload: payload,
		})
	}

	for _, d := range entities.ChildBinarySensors {
		out = append(out, DiscoveryConfig{
			Topic: t.DiscoveryTopic("binary_sensor", childID+"_"+d.Key),
			Payload: map[string]any{
				"name":         fmt.Sprintf("%s %s", name, d.Name),
				"unique_id":    fmt.Sprintf("dailyconnect_%s_%s", childID, d.Key),
				"state_topic":  t.ChildBinary(childID, d.Key),
				"device_class": d.DeviceClass,
				"icon":         d.IconOn,
				"payload_on":   "ON",
				"payload_off":  "OFF",
				"device":       dev,
				"availability": avail,
			},
		})
	}

	if withPhoto {
		out = append(out, DiscoveryConfig{
			Topic: t.DiscoveryTopic("image", childID+"_latest_photo"),
			Payload: map[string]any{
				"name":                  fmt.Sprintf("%s Latest Photo", name),
				"unique_id":             fmt.Sprintf("dailyconnect_%s_latest_photo", childID),
				"image_topic":           t.ChildPhoto(childID),
				"content_type":          entities.PhotoContentType,
				"json_attributes_topic": t.ChildPhotoAttributes(childID),
				"icon":                  "mdi:image",
				"device":                dev,
				"availability":          avail,
			},
		})
	}
	return out
}

// AccountDiscovery builds the account-level configs: the next calendar
// event, the last-update problem sensor and the refresh button.
func AccountDiscovery(t Topics) []DiscoveryConfig {
	dev := accountDevice(t)
	avail := availability(t)
	return []DiscoveryConfig{
		{
			Topic: t.DiscoveryTopic("sensor", "calendar"),
			Payload: map[string]any{
				"name":                  "DailyConnect Next Event",
				"unique_id":             "dailyconnect_calendar_entity",
				"state_topic":           t.CalendarState(),
				"json_attributes_topic": t.CalendarAttributes(),
				"icon":                  "mdi:calendar-star",
				"device":                dev,
				"availability":          avail,
			},
		},
		{
			Topic: t.DiscoveryTopic("binary_sensor", "update_problem"),
			Payload: map[string]any{
				"name":                  "DailyConnect Update Problem",
				"unique_id":             "dailyconnect_update_problem",
				"state_topic":           t.UpdateState(),
				"json_attributes_topic": t.UpdateAttributes(),
				"device_class":          "problem",
				"entity_category":       "diagnostic",
				"payload_on":            "ON",
				"payload_off":           "OFF",
				"device":                dev,
				"availability":          avail,
			},
		},
		{
			Topic: t.DiscoveryTopic("button", "refresh"),
			Payload: map[string]any{
				"name":          "DailyConnect Refresh",
				"unique_id":     "dailyconnect_refresh",
				"command_topic": t.RefreshCommand(),
				"payload_press": "PRESS",
				"icon":          "mdi:refresh",
				"device":        dev,
				"availability":  avail,
			},
		},
	}
}

// CalendarState returns the next event title (or "none") and its attributes.
func CalendarState(snap *state.Snapshot, now time.Time) (string, map[string]any) {
	attrs := map[string]any{"events": 0}
	if snap != nil {
		attrs["events"] = len(snap.Calendar)
	}
	ev, ok := entities.NextEvent(snap, now)
	if !ok {
		return "none", attrs
	}
	attrs["start"] = ev.Start.Format(time.RFC3339)
	attrs["end"] = ev.End.Format(time.RFC3339)
	attrs["description"] = ev.Description
	attrs["all_day"] = ev.AllDay
	title := ev.Title
	if title == "" {
		title = "event"
	}
	return title, attrs
}

// UpdateState maps the cycle status to the problem sensor: ON when the last
// update failed.
func UpdateState(st state.Status) (string, map[string]any) {
	attrs := map[string]any{
		"last_update_success": st.LastUpdateSuccess,
		"update_interval":     st.UpdateInterval.Seconds(),
	}
	if !st.LastSuccessAt.IsZero() {
		attrs["last_update_time"] = st.LastSuccessAt.Format(time.RFC3339)
	}
	if st.LastError != "" {
		attrs["last_error"] = st.LastError
		attrs["last_error_kind"] = string(st.LastErrorKind)
		attrs["reauth_required"] = st.LastErrorKind == state.KindCredentials
	}
	if st.LastAttemptAt.IsZero() {
		return "OFF", attrs
	}
	return boolToOnOff(!st.LastUpdateSuccess), attrs
}
