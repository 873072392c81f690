package usecase

import (
	"context"
	"fmt"

	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
	"github.com/atvirokodosprendimai/keyauth/internal/core/ports"
)

// Verification is the result of one redeem attempt. Record is nil when the
// token is unknown or the request was malformed.
type Verification struct {
	Outcome domain.Outcome
	Record  *domain.KeyRecord
}

type VerificationService struct {
	keys  ports.KeyStore
	audit *AuditService
	now   Clock
}

func NewVerificationService(keys ports.KeyStore, audit *AuditService, now Clock) *VerificationService {
	return &VerificationService{keys: keys, audit: audit, now: clockOrDefault(now)}
}

// Verify redeems token for hardwareID. Both are used exactly as presented;
// only empty values are rejected as bad_request.
func (s *VerificationService) Verify(ctx context.Context, token, hardwareID, clientIP string) (Verification, error) {
	if token == "" || hardwareID == "" {
		return Verification{Outcome: domain.OutcomeBadRequest}, nil
	}

	var result Verification
	err := s.keys.Update(ctx, token, func(rec domain.KeyRecord, found bool) (domain.KeyRecord, bool, error) {
		var current *domain.KeyRecord
		if found {
			current = &rec
		}
		outcome, next := domain.Decide(current, hardwareID, clientIP, s.now())
		result = Verification{Outcome: outcome, Record: next}
		if next == nil {
			return rec, false, nil
		}
		return *next, true, nil
	})
	if err != nil {
		return Verification{}, fmt.Errorf("verify key: %w", err)
	}

	s.audit.Record(ctx, domain.EventVerify, token, map[string]any{
		"status": string(result.Outcome),
		"ip":     clientIP,
		"hwid":   hardwareID,
	})
	return result, nil
}
