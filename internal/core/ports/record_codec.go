package ports

import (
	"encoding/json"

	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
)

// RecordCodec converts between domain values and their persisted JSON
// documents, normalizing older document shapes on decode.
type RecordCodec interface {
	EncodeKey(rec domain.KeyRecord) (json.RawMessage, error)
	DecodeKey(token string, raw json.RawMessage) (domain.KeyRecord, error)
	EncodeLog(entry domain.LogEntry) (json.RawMessage, error)
	DecodeLog(raw json.RawMessage) (domain.LogEntry, error)
}
