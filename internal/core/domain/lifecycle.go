package domain

import "time"

// Outcome is the classified result of a verification attempt.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeInvalid          Outcome = "invalid"
	OutcomeBanned           Outcome = "banned"
	OutcomeExpired          Outcome = "expired"
	OutcomeMaxUsesReached   Outcome = "max_uses"
	OutcomeHardwareMismatch Outcome = "hwid_mismatch"
	OutcomeBadRequest       Outcome = "bad_request"
)

func (o Outcome) Granted() bool {
	return o == OutcomeSuccess
}

// Message is the human readable text returned to clients.
func (o Outcome) Message() string {
	switch o {
	case OutcomeSuccess:
		return "Key valid"
	case OutcomeInvalid:
		return "Key not found"
	case OutcomeBanned:
		return "Key banned/disabled"
	case OutcomeExpired:
		return "Key expired"
	case OutcomeMaxUsesReached:
		return "Maximum uses reached"
	case OutcomeHardwareMismatch:
		return "HWID does not match"
	case OutcomeBadRequest:
		return "key & hwid required"
	default:
		return string(o)
	}
}

// Decide evaluates one verification attempt against rec. It never touches
// rec; the returned record carries every state change the caller must
// persist, including terminal invalidation on rejections. A nil rec yields
// OutcomeInvalid and a nil record.
//
// Checks run in a fixed order and the first match wins: disabled or banned,
// missing expiry, expiry, quota, hardware binding.
func Decide(rec *KeyRecord, hardwareID, clientIP string, now time.Time) (Outcome, *KeyRecord) {
	if rec == nil {
		return OutcomeInvalid, nil
	}
	next := rec.Clone()

	if !next.Active || next.Banned {
		return OutcomeBanned, &next
	}
	if next.ExpiresAt.IsZero() {
		return OutcomeInvalid, &next
	}
	if next.Expired(now) {
		next.Active = false
		return OutcomeExpired, &next
	}
	if next.Exhausted() {
		next.Active = false
		return OutcomeMaxUsesReached, &next
	}

	if next.HardwareLockEnabled {
		switch {
		case next.BoundHardwareID == "":
			next.BoundHardwareID = hardwareID
		case next.BoundHardwareID != hardwareID:
			return OutcomeHardwareMismatch, &next
		}
	}

	next.UseCount++
	usedAt := now
	next.LastUsedAt = &usedAt
	if clientIP != "" {
		next.LastClientIP = clientIP
	}
	if hardwareID != "" {
		next.LastHardwareID = hardwareID
	}
	return OutcomeSuccess, &next
}
