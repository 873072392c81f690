package usecase

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
	"github.com/atvirokodosprendimai/keyauth/internal/core/ports"
)

const tokenBytes = 16

// IssuancePolicy holds the defaults applied to fields an issue request leaves
// out. Values present on the request always win. DefaultMaxUses of zero means
// keys are unbounded unless the request sets a quota.
type IssuancePolicy struct {
	DefaultUsername string
	DefaultPlan     string
	DefaultDays     int
	DefaultMaxUses  int64
}

func DefaultIssuancePolicy() IssuancePolicy {
	return IssuancePolicy{
		DefaultUsername: "User",
		DefaultPlan:     "BASIC",
		DefaultDays:     30,
		DefaultMaxUses:  1,
	}
}

// IssueRequest mirrors the optional fields of a generate call. A MaxUses of
// zero requests an unbounded key.
type IssueRequest struct {
	Username     *string
	Plan         *string
	Days         *int
	HardwareLock bool
	MaxUses      *int64
}

type IssuanceService struct {
	keys   ports.KeyStore
	audit  *AuditService
	policy IssuancePolicy
	now    Clock
}

func NewIssuanceService(keys ports.KeyStore, audit *AuditService, policy IssuancePolicy, now Clock) *IssuanceService {
	return &IssuanceService{keys: keys, audit: audit, policy: policy, now: clockOrDefault(now)}
}

func (s *IssuanceService) Policy() IssuancePolicy {
	return s.policy
}

func (s *IssuanceService) Issue(ctx context.Context, req IssueRequest) (domain.KeyRecord, error) {
	username := s.policy.DefaultUsername
	if req.Username != nil && strings.TrimSpace(*req.Username) != "" {
		username = strings.TrimSpace(*req.Username)
	}
	plan := s.policy.DefaultPlan
	if req.Plan != nil && strings.TrimSpace(*req.Plan) != "" {
		plan = strings.TrimSpace(*req.Plan)
	}
	days := s.policy.DefaultDays
	if req.Days != nil {
		days = *req.Days
	}
	if days < 0 {
		return domain.KeyRecord{}, fmt.Errorf("%w: days must not be negative", domain.ErrInvalidRequest)
	}
	if days > domain.MaxKeyDays {
		return domain.KeyRecord{}, fmt.Errorf("%w: days must not exceed %d", domain.ErrInvalidRequest, domain.MaxKeyDays)
	}
	maxUses := s.policy.DefaultMaxUses
	if req.MaxUses != nil {
		maxUses = *req.MaxUses
	}
	if maxUses < 0 {
		return domain.KeyRecord{}, fmt.Errorf("%w: max_uses must not be negative", domain.ErrInvalidRequest)
	}

	token, err := NewToken()
	if err != nil {
		return domain.KeyRecord{}, err
	}

	created := s.now()
	rec := domain.KeyRecord{
		Token:               token,
		Username:            username,
		Plan:                plan,
		CreatedAt:           created,
		ExpiresAt:           created.AddDate(0, 0, days),
		HardwareLockEnabled: req.HardwareLock,
		Active:              true,
	}
	if maxUses > 0 {
		rec.MaxUses = &maxUses
	}

	if err := s.keys.Put(ctx, rec); err != nil {
		return domain.KeyRecord{}, fmt.Errorf("store key: %w", err)
	}

	s.audit.Record(ctx, domain.EventIssue, token, map[string]any{
		"username":  username,
		"plan":      plan,
		"days":      days,
		"hwid_lock": req.HardwareLock,
		"max_uses":  maxUses,
		"expires":   rec.ExpiresAt.Format(time.RFC3339),
	})
	return rec, nil
}

// NewToken returns 128 random bits, base64url encoded without padding.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
