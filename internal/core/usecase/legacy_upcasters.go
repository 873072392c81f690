package usecase

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseLegacyTime accepts the ISO-8601 variants the legacy writer produced.
// Timestamps without a zone were written in UTC.
func parseLegacyTime(raw any) *time.Time {
	s, ok := raw.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range legacyTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

type legacyKeyUpcaster struct{}

func (legacyKeyUpcaster) FromVersion() int { return 0 }
func (legacyKeyUpcaster) ToVersion() int   { return 1 }

// Upcast maps the legacy key layout (expiry or expires, hwid, valid, uses,
// last_used, last_ip) onto the version 1 document.
func (legacyKeyUpcaster) Upcast(payload json.RawMessage) (json.RawMessage, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode legacy key: %w", err)
	}

	doc := keyDocument{
		SchemaVersion: 1,
		Username:      stringField(m, "username"),
		Plan:          stringField(m, "plan"),
		HardwareLock:  boolField(m, "hwid_lock", false),
		BoundHWID:     stringField(m, "hwid"),
		LastHWID:      stringField(m, "hwid"),
		Active:        boolField(m, "valid", true),
		Banned:        boolField(m, "banned", false),
		BanReason:     stringField(m, "ban_reason"),
		UseCount:      intField(m, "uses"),
		LastUsedAt:    parseLegacyTime(m["last_used"]),
		LastClientIP:  stringField(m, "last_ip"),
	}
	if created := parseLegacyTime(m["created"]); created != nil {
		doc.CreatedAt = *created
	}
	if expires := parseLegacyTime(m["expiry"]); expires != nil {
		doc.ExpiresAt = expires
	} else if expires := parseLegacyTime(m["expires"]); expires != nil {
		doc.ExpiresAt = expires
	}
	if v, ok := m["max_uses"].(float64); ok && v > 0 {
		maxUses := int64(v)
		doc.MaxUses = &maxUses
	}
	return json.Marshal(doc)
}

var legacyEventNames = map[string]string{
	"generate":   "issue",
	"reset_hwid": "hardware-reset",
}

type legacyLogUpcaster struct{}

func (legacyLogUpcaster) FromVersion() int { return 0 }
func (legacyLogUpcaster) ToVersion() int   { return 1 }

// Upcast maps {time, event, key, info} entries onto the version 1 document.
func (legacyLogUpcaster) Upcast(payload json.RawMessage) (json.RawMessage, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode legacy log: %w", err)
	}

	event := stringField(m, "event")
	if mapped, ok := legacyEventNames[event]; ok {
		event = mapped
	}
	doc := logDocument{
		SchemaVersion: 1,
		EventType:     event,
	}
	if ts := parseLegacyTime(m["time"]); ts != nil {
		doc.Timestamp = *ts
	}
	if key := stringField(m, "key"); key != "" {
		doc.Key = &key
	}
	if info, ok := m["info"].(map[string]any); ok {
		doc.Details = info
	}
	return json.Marshal(doc)
}

func stringField(m map[string]any, name string) string {
	s, _ := m[name].(string)
	return s
}

func boolField(m map[string]any, name string, fallback bool) bool {
	b, ok := m[name].(bool)
	if !ok {
		return fallback
	}
	return b
}

func intField(m map[string]any, name string) int64 {
	v, _ := m[name].(float64)
	if v < 0 {
		return 0
	}
	return int64(v)
}
