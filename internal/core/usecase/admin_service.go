package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
	"github.com/atvirokodosprendimai/keyauth/internal/core/ports"
)

const defaultBanReason = "banned via panel"

// AdminService applies operator mutations. Every call is logged, including
// those against unknown tokens.
type AdminService struct {
	keys  ports.KeyStore
	audit *AuditService
	now   Clock
}

func NewAdminService(keys ports.KeyStore, audit *AuditService, now Clock) *AdminService {
	return &AdminService{keys: keys, audit: audit, now: clockOrDefault(now)}
}

func (s *AdminService) List(ctx context.Context) ([]domain.KeyRecord, error) {
	return s.keys.List(ctx)
}

func (s *AdminService) SetBanned(ctx context.Context, token string, banned bool, reason string) (bool, error) {
	if err := domain.ValidateToken(token); err != nil {
		return false, err
	}
	reason = strings.TrimSpace(reason)
	if banned && reason == "" {
		reason = defaultBanReason
	}

	found, err := s.mutate(ctx, token, func(rec *domain.KeyRecord) {
		rec.SetBanned(banned, reason)
	})
	if err != nil {
		return false, fmt.Errorf("set banned: %w", err)
	}

	details := map[string]any{"banned": banned, "found": found}
	if banned {
		details["reason"] = reason
	}
	s.audit.Record(ctx, domain.EventBan, token, details)
	return found, nil
}

func (s *AdminService) ResetHardware(ctx context.Context, token string) (bool, error) {
	if err := domain.ValidateToken(token); err != nil {
		return false, err
	}

	var previous string
	found, err := s.mutate(ctx, token, func(rec *domain.KeyRecord) {
		previous = rec.BoundHardwareID
		rec.ResetHardware(s.now())
	})
	if err != nil {
		return false, fmt.Errorf("reset hardware: %w", err)
	}

	details := map[string]any{"found": found}
	if previous != "" {
		details["previous_hwid"] = previous
	}
	s.audit.Record(ctx, domain.EventHardwareReset, token, details)
	return found, nil
}

func (s *AdminService) Delete(ctx context.Context, token string) (bool, error) {
	if err := domain.ValidateToken(token); err != nil {
		return false, err
	}

	deleted, err := s.keys.Delete(ctx, token)
	if err != nil {
		return false, fmt.Errorf("delete key: %w", err)
	}

	s.audit.Record(ctx, domain.EventDelete, token, map[string]any{"found": deleted})
	return deleted, nil
}

func (s *AdminService) mutate(ctx context.Context, token string, apply func(rec *domain.KeyRecord)) (bool, error) {
	var found bool
	err := s.keys.Update(ctx, token, func(rec domain.KeyRecord, ok bool) (domain.KeyRecord, bool, error) {
		found = ok
		if !ok {
			return rec, false, nil
		}
		next := rec.Clone()
		apply(&next)
		return next, true, nil
	})
	return found, err
}
