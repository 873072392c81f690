package usecase

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
)

// CurrentDocumentVersion is the schema_version written for key and log
// documents. Documents without the field are version 0, the legacy shape.
const CurrentDocumentVersion = 1

type Upcaster interface {
	FromVersion() int
	ToVersion() int
	Upcast(payload json.RawMessage) (json.RawMessage, error)
}

// RecordCodec encodes documents in the current shape and upcasts older ones
// once, on decode.
type RecordCodec struct {
	keyUpcasters map[int]Upcaster
	logUpcasters map[int]Upcaster
}

func NewRecordCodec(keyUpcasters, logUpcasters []Upcaster) *RecordCodec {
	c := &RecordCodec{
		keyUpcasters: make(map[int]Upcaster, len(keyUpcasters)),
		logUpcasters: make(map[int]Upcaster, len(logUpcasters)),
	}
	for _, up := range keyUpcasters {
		c.keyUpcasters[up.FromVersion()] = up
	}
	for _, up := range logUpcasters {
		c.logUpcasters[up.FromVersion()] = up
	}
	return c
}

// DefaultRecordCodec understands the legacy keys.json / logs.json layout.
func DefaultRecordCodec() *RecordCodec {
	return NewRecordCodec([]Upcaster{legacyKeyUpcaster{}}, []Upcaster{legacyLogUpcaster{}})
}

type keyDocument struct {
	SchemaVersion int        `json:"schema_version"`
	Username      string     `json:"username"`
	Plan          string     `json:"plan"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at"`
	HardwareLock  bool       `json:"hwid_lock"`
	BoundHWID     string     `json:"bound_hwid,omitempty"`
	LastHWID      string     `json:"last_hwid,omitempty"`
	Active        bool       `json:"active"`
	Banned        bool       `json:"banned"`
	BanReason     string     `json:"ban_reason,omitempty"`
	UseCount      int64      `json:"use_count"`
	MaxUses       *int64     `json:"max_uses"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	LastClientIP  string     `json:"last_client_ip,omitempty"`
}

type logDocument struct {
	SchemaVersion int            `json:"schema_version"`
	ID            int64          `json:"id"`
	EventID       string         `json:"event_id"`
	Timestamp     time.Time      `json:"timestamp"`
	EventType     string         `json:"event_type"`
	Key           *string        `json:"key"`
	Details       map[string]any `json:"details"`
}

func (c *RecordCodec) EncodeKey(rec domain.KeyRecord) (json.RawMessage, error) {
	doc := keyDocument{
		SchemaVersion: CurrentDocumentVersion,
		Username:      rec.Username,
		Plan:          rec.Plan,
		CreatedAt:     rec.CreatedAt.UTC(),
		HardwareLock:  rec.HardwareLockEnabled,
		BoundHWID:     rec.BoundHardwareID,
		LastHWID:      rec.LastHardwareID,
		Active:        rec.Active,
		Banned:        rec.Banned,
		BanReason:     rec.BanReason,
		UseCount:      rec.UseCount,
		MaxUses:       rec.MaxUses,
		LastUsedAt:    rec.LastUsedAt,
		LastClientIP:  rec.LastClientIP,
	}
	if !rec.ExpiresAt.IsZero() {
		expires := rec.ExpiresAt.UTC()
		doc.ExpiresAt = &expires
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal key document: %w", err)
	}
	return raw, nil
}

func (c *RecordCodec) DecodeKey(token string, raw json.RawMessage) (domain.KeyRecord, error) {
	payload, err := upcast(c.keyUpcasters, raw)
	if err != nil {
		return domain.KeyRecord{}, err
	}
	var doc keyDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return domain.KeyRecord{}, fmt.Errorf("%w: decode key document: %v", domain.ErrCorruptStore, err)
	}

	rec := domain.KeyRecord{
		Token:               token,
		Username:            doc.Username,
		Plan:                doc.Plan,
		CreatedAt:           doc.CreatedAt,
		HardwareLockEnabled: doc.HardwareLock,
		BoundHardwareID:     doc.BoundHWID,
		LastHardwareID:      doc.LastHWID,
		Active:              doc.Active,
		Banned:              doc.Banned,
		BanReason:           doc.BanReason,
		UseCount:            doc.UseCount,
		MaxUses:             doc.MaxUses,
		LastUsedAt:          doc.LastUsedAt,
		LastClientIP:        doc.LastClientIP,
	}
	if doc.ExpiresAt != nil {
		rec.ExpiresAt = *doc.ExpiresAt
	}
	return rec, nil
}

func (c *RecordCodec) EncodeLog(entry domain.LogEntry) (json.RawMessage, error) {
	raw, err := json.Marshal(logDocument{
		SchemaVersion: CurrentDocumentVersion,
		ID:            entry.ID,
		EventID:       entry.EventID,
		Timestamp:     entry.Timestamp.UTC(),
		EventType:     string(entry.EventType),
		Key:           entry.KeyToken,
		Details:       entry.Details,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal log document: %w", err)
	}
	return raw, nil
}

func (c *RecordCodec) DecodeLog(raw json.RawMessage) (domain.LogEntry, error) {
	payload, err := upcast(c.logUpcasters, raw)
	if err != nil {
		return domain.LogEntry{}, err
	}
	var doc logDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return domain.LogEntry{}, fmt.Errorf("%w: decode log document: %v", domain.ErrCorruptStore, err)
	}
	if doc.Details == nil {
		doc.Details = map[string]any{}
	}
	return domain.LogEntry{
		ID:        doc.ID,
		EventID:   doc.EventID,
		Timestamp: doc.Timestamp,
		EventType: domain.EventType(doc.EventType),
		KeyToken:  doc.Key,
		Details:   doc.Details,
	}, nil
}

func upcast(upcasters map[int]Upcaster, raw json.RawMessage) (json.RawMessage, error) {
	var head struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: read schema version: %v", domain.ErrCorruptStore, err)
	}
	if head.SchemaVersion > CurrentDocumentVersion {
		return nil, fmt.Errorf("%w: unsupported schema version %d", domain.ErrCorruptStore, head.SchemaVersion)
	}

	v := head.SchemaVersion
	payload := raw
	for v < CurrentDocumentVersion {
		up, ok := upcasters[v]
		if !ok {
			return nil, fmt.Errorf("missing upcaster from version %d", v)
		}
		next, err := up.Upcast(payload)
		if err != nil {
			return nil, fmt.Errorf("upcast %d->%d: %w", up.FromVersion(), up.ToVersion(), err)
		}
		payload = next
		v = up.ToVersion()
	}
	return payload, nil
}
