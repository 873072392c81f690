package domain

import (
	"errors"
	"regexp"
	"time"
)

var (
	ErrInvalidKey     = errors.New("invalid key")
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("not found")
	ErrCorruptStore   = errors.New("corrupt store")
)

// MaxKeyDays bounds the validity of a new key to about a century.
const MaxKeyDays = 36500

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9+/=_-]{8,128}$`)

// KeyRecord is the persisted state of one issued license key.
type KeyRecord struct {
	Token               string
	Username            string
	Plan                string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	HardwareLockEnabled bool
	BoundHardwareID     string
	LastHardwareID      string
	Active              bool
	Banned              bool
	BanReason           string
	UseCount            int64
	MaxUses             *int64
	LastUsedAt          *time.Time
	LastClientIP        string
}

// Clone returns a deep copy so callers can mutate pointer fields freely.
func (r KeyRecord) Clone() KeyRecord {
	out := r
	if r.MaxUses != nil {
		v := *r.MaxUses
		out.MaxUses = &v
	}
	if r.LastUsedAt != nil {
		v := *r.LastUsedAt
		out.LastUsedAt = &v
	}
	return out
}

// Expired reports whether now is at or past the expiry instant.
func (r KeyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Exhausted reports whether the use quota has been consumed.
func (r KeyRecord) Exhausted() bool {
	return r.MaxUses != nil && r.UseCount >= *r.MaxUses
}

// DaysLeft is the number of whole days until expiry, never negative.
func (r KeyRecord) DaysLeft(now time.Time) int {
	if r.ExpiresAt.IsZero() || !now.Before(r.ExpiresAt) {
		return 0
	}
	return int(r.ExpiresAt.Sub(now) / (24 * time.Hour))
}

// SetBanned flips the ban flag. Active is left alone so an unban never
// resurrects a key invalidated by expiry or quota.
func (r *KeyRecord) SetBanned(banned bool, reason string) {
	r.Banned = banned
	if banned {
		r.BanReason = reason
		return
	}
	r.BanReason = ""
}

// ResetHardware clears the bound hardware id so the next successful
// verification binds again. A key disabled for a reason other than expiry or
// quota is re-enabled.
func (r *KeyRecord) ResetHardware(now time.Time) {
	r.BoundHardwareID = ""
	if !r.Active && !r.Expired(now) && !r.Exhausted() {
		r.Active = true
	}
}

func ValidateToken(token string) error {
	if token == "" || !tokenPattern.MatchString(token) {
		return ErrInvalidKey
	}
	return nil
}
