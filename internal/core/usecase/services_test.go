package usecase

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock    *fakeClock
	keys     *memKeyStore
	logs     *memLogStore
	pub      *recordingPublisher
	issuance *IssuanceService
	admin    *AdminService
	verifier *VerificationService
	audit    *AuditService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock: newFakeClock(),
		keys:  newMemKeyStore(),
		logs:  newMemLogStore(domain.DefaultLogRetention),
		pub:   &recordingPublisher{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.audit = NewAuditService(f.logs, f.pub, logger, f.clock.Now)
	f.issuance = NewIssuanceService(f.keys, f.audit, DefaultIssuancePolicy(), f.clock.Now)
	f.admin = NewAdminService(f.keys, f.audit, f.clock.Now)
	f.verifier = NewVerificationService(f.keys, f.audit, f.clock.Now)
	return f
}

func ptr[T any](v T) *T { return &v }

func (f *fixture) issue(t *testing.T, req IssueRequest) domain.KeyRecord {
	t.Helper()
	rec, err := f.issuance.Issue(context.Background(), req)
	require.NoError(t, err)
	return rec
}

func (f *fixture) verify(t *testing.T, token, hwid string) Verification {
	t.Helper()
	v, err := f.verifier.Verify(context.Background(), token, hwid, "10.0.0.1")
	require.NoError(t, err)
	return v
}

func TestIssueAppliesPolicyDefaults(t *testing.T) {
	f := newFixture(t)
	rec := f.issue(t, IssueRequest{})

	assert.Equal(t, "User", rec.Username)
	assert.Equal(t, "BASIC", rec.Plan)
	assert.True(t, rec.Active)
	require.NotNil(t, rec.MaxUses)
	assert.Equal(t, int64(1), *rec.MaxUses)
	assert.Equal(t, f.clock.Now().Add(30*24*time.Hour), rec.ExpiresAt)
	assert.Len(t, rec.Token, 22)

	stored, err := f.keys.Get(context.Background(), rec.Token)
	require.NoError(t, err)
	assert.Equal(t, rec.Plan, stored.Plan)

	issued := f.logs.byType(domain.EventIssue)
	require.Len(t, issued, 1)
	assert.Equal(t, rec.Token, *issued[0].KeyToken)
	assert.NotEmpty(t, issued[0].EventID)
	assert.Len(t, f.pub.entries, 1)
}

func TestIssueRequestOverridesDefaults(t *testing.T) {
	f := newFixture(t)
	rec := f.issue(t, IssueRequest{
		Username:     ptr("carol"),
		Plan:         ptr("PRO"),
		Days:         ptr(7),
		HardwareLock: true,
		MaxUses:      ptr(int64(0)),
	})

	assert.Equal(t, "carol", rec.Username)
	assert.Equal(t, "PRO", rec.Plan)
	assert.True(t, rec.HardwareLockEnabled)
	assert.Nil(t, rec.MaxUses, "zero max uses means unbounded")
	assert.Equal(t, f.clock.Now().Add(7*24*time.Hour), rec.ExpiresAt)
}

func TestIssueRejectsNegativeValues(t *testing.T) {
	f := newFixture(t)
	_, err := f.issuance.Issue(context.Background(), IssueRequest{Days: ptr(-1)})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = f.issuance.Issue(context.Background(), IssueRequest{MaxUses: ptr(int64(-3))})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.Empty(t, f.keys.records)
}

func TestIssueRejectsValidityBeyondMaximum(t *testing.T) {
	f := newFixture(t)
	for _, days := range []int{domain.MaxKeyDays + 1, 200000} {
		_, err := f.issuance.Issue(context.Background(), IssueRequest{Days: ptr(days)})
		assert.ErrorIs(t, err, domain.ErrInvalidRequest, "days=%d", days)
	}
	assert.Empty(t, f.keys.records)

	rec := f.issue(t, IssueRequest{Days: ptr(domain.MaxKeyDays)})
	assert.Equal(t, f.clock.Now().AddDate(0, 0, domain.MaxKeyDays), rec.ExpiresAt)
	assert.Equal(t, domain.OutcomeSuccess, f.verify(t, rec.Token, "hw").Outcome)

	policy := DefaultIssuancePolicy()
	policy.DefaultDays = 200000
	oversized := NewIssuanceService(f.keys, f.audit, policy, f.clock.Now)
	_, err := oversized.Issue(context.Background(), IssueRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestIssueSurfacesStoreErrors(t *testing.T) {
	f := newFixture(t)
	f.keys.putErr = errBoom
	_, err := f.issuance.Issue(context.Background(), IssueRequest{})
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, f.logs.byType(domain.EventIssue))
}

func TestTokensAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		tok, err := NewToken()
		require.NoError(t, err)
		require.False(t, seen[tok])
		seen[tok] = true
	}
}

func TestZeroDayKeyIsExpiredOnFirstUse(t *testing.T) {
	f := newFixture(t)
	rec := f.issue(t, IssueRequest{Days: ptr(0)})

	v := f.verify(t, rec.Token, "hw")
	assert.Equal(t, domain.OutcomeExpired, v.Outcome)
	require.NotNil(t, v.Record)
	assert.False(t, v.Record.Active)

	stored, err := f.keys.Get(context.Background(), rec.Token)
	require.NoError(t, err)
	assert.False(t, stored.Active, "expiry invalidation is persisted")
}

func TestVerifyBadRequestSkipsStore(t *testing.T) {
	f := newFixture(t)
	rec := f.issue(t, IssueRequest{})

	for _, tc := range [][2]string{{"", "hw"}, {rec.Token, ""}, {"", ""}} {
		v := f.verify(t, tc[0], tc[1])
		assert.Equal(t, domain.OutcomeBadRequest, v.Outcome)
		assert.Nil(t, v.Record)
	}
	stored, _ := f.keys.Get(context.Background(), rec.Token)
	assert.Equal(t, int64(0), stored.UseCount)
	assert.Empty(t, f.logs.byType(domain.EventVerify))
}

func TestVerifyUsesValuesAsPresented(t *testing.T) {
	f := newFixture(t)
	rec := f.issue(t, IssueRequest{HardwareLock: true, MaxUses: ptr(int64(0))})

	blank := f.verify(t, "   ", "hw")
	assert.Equal(t, domain.OutcomeInvalid, blank.Outcome)
	assert.Nil(t, blank.Record)
	assert.Len(t, f.logs.byType(domain.EventVerify), 1)

	padded := f.verify(t, " "+rec.Token, "A")
	assert.Equal(t, domain.OutcomeInvalid, padded.Outcome)

	assert.Equal(t, domain.OutcomeSuccess, f.verify(t, rec.Token, "A").Outcome)
	mismatch := f.verify(t, rec.Token, "A ")
	assert.Equal(t, domain.OutcomeHardwareMismatch, mismatch.Outcome)
	require.NotNil(t, mismatch.Record)
	assert.Equal(t, "A", mismatch.Record.BoundHardwareID)
}

func TestVerifyLogsOutcome(t *testing.T) {
	f := newFixture(t)
	rec := f.issue(t, IssueRequest{})

	v := f.verify(t, rec.Token, "hw-7")
	require.Equal(t, domain.OutcomeSuccess, v.Outcome)

	entries := f.logs.byType(domain.EventVerify)
	require.Len(t, entries, 1)
	assert.Equal(t, "success", entries[0].Details["status"])
	assert.Equal(t, "hw-7", entries[0].Details["hwid"])
	assert.Equal(t, "10.0.0.1", entries[0].Details["ip"])
}

func TestVerifySucceedsWhenAuditFails(t *testing.T) {
	f := newFixture(t)
	rec := f.issue(t, IssueRequest{MaxUses: ptr(int64(0))})
	f.logs.appendErr = errBoom

	v := f.verify(t, rec.Token, "hw")
	assert.Equal(t, domain.OutcomeSuccess, v.Outcome)
	stored, _ := f.keys.Get(context.Background(), rec.Token)
	assert.Equal(t, int64(1), stored.UseCount)
}

func TestVerifySucceedsWhenPublishFails(t *testing.T) {
	f := newFixture(t)
	rec := f.issue(t, IssueRequest{})
	f.pub.err = errBoom

	v := f.verify(t, rec.Token, "hw")
	assert.Equal(t, domain.OutcomeSuccess, v.Outcome)
	assert.Len(t, f.logs.byType(domain.EventVerify), 1)
}

func TestVerifyStoreErrorIsReturned(t *testing.T) {
	f := newFixture(t)
	rec := f.issue(t, IssueRequest{})
	f.keys.putErr = errBoom

	_, err := f.verifier.Verify(context.Background(), rec.Token, "hw", "")
	assert.ErrorIs(t, err, errBoom)
}

func TestQuotaIsEnforcedAcrossVerifications(t *testing.T) {
	f := newFixture(t)
	rec := f.issue(t, IssueRequest{MaxUses: ptr(int64(3))})

	successes := 0
	for i := 0; i < 6; i++ {
		if f.verify(t, rec.Token, "hw").Outcome == domain.OutcomeSuccess {
			successes++
		}
	}
	assert.Equal(t, 3, successes)

	stored, _ := f.keys.Get(context.Background(), rec.Token)
	assert.Equal(t, int64(3), stored.UseCount)
	assert.False(t, stored.Active)
}

func TestConcurrentVerificationsRespectQuota(t *testing.T) {
	f := newFixture(t)
	rec := f.issue(t, IssueRequest{MaxUses: ptr(int64(50))})

	var successes atomic.Int64
	var g errgroup.Group
	for i := 0; i < 100; i++ {
		g.Go(func() error {
			v, err := f.verifier.Verify(context.Background(), rec.Token, "hw", "")
			if err != nil {
				return err
			}
			if v.Outcome == domain.OutcomeSuccess {
				successes.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(50), successes.Load())
	stored, _ := f.keys.Get(context.Background(), rec.Token)
	assert.Equal(t, int64(50), stored.UseCount)
	assert.False(t, stored.Active)
}

func TestHardwareLockBindsAndRejectsOtherMachines(t *testing.T) {
	f := newFixture(t)
	rec := f.issue(t, IssueRequest{HardwareLock: true, MaxUses: ptr(int64(0))})

	v := f.verify(t, rec.Token, "A")
	require.Equal(t, domain.OutcomeSuccess, v.Outcome)
	assert.Equal(t, "A", v.Record.BoundHardwareID)

	v = f.verify(t, rec.Token, "B")
	require.Equal(t, domain.OutcomeHardwareMismatch, v.Outcome)
	stored, _ := f.keys.Get(context.Background(), rec.Token)
	assert.Equal(t, "A", stored.BoundHardwareID)
	assert.True(t, stored.Active)

	ok, err := f.admin.ResetHardware(context.Background(), rec.Token)
	require.NoError(t, err)
	require.True(t, ok)

	v = f.verify(t, rec.Token, "B")
	require.Equal(t, domain.OutcomeSuccess, v.Outcome)
	assert.Equal(t, "B", v.Record.BoundHardwareID)

	v = f.verify(t, rec.Token, "A")
	assert.Equal(t, domain.OutcomeHardwareMismatch, v.Outcome)

	resets := f.logs.byType(domain.EventHardwareReset)
	require.Len(t, resets, 1)
	assert.Equal(t, "A", resets[0].Details["previous_hwid"])
}

func TestBanAndUnban(t *testing.T) {
	f := newFixture(t)
	rec := f.issue(t, IssueRequest{MaxUses: ptr(int64(0))})
	ctx := context.Background()

	ok, err := f.admin.SetBanned(ctx, rec.Token, true, "")
	require.NoError(t, err)
	require.True(t, ok)

	stored, _ := f.keys.Get(ctx, rec.Token)
	assert.True(t, stored.Banned)
	assert.Equal(t, defaultBanReason, stored.BanReason)
	assert.Equal(t, domain.OutcomeBanned, f.verify(t, rec.Token, "hw").Outcome)

	ok, err = f.admin.SetBanned(ctx, rec.Token, true, "again")
	require.NoError(t, err)
	assert.True(t, ok, "repeating a ban is still reported as applied")

	ok, err = f.admin.SetBanned(ctx, rec.Token, false, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeSuccess, f.verify(t, rec.Token, "hw").Outcome)

	assert.Len(t, f.logs.byType(domain.EventBan), 3)
}

func TestUnbanDoesNotReviveExpiredKey(t *testing.T) {
	f := newFixture(t)
	rec := f.issue(t, IssueRequest{Days: ptr(1)})
	ctx := context.Background()

	f.clock.Advance(48 * time.Hour)
	assert.Equal(t, domain.OutcomeExpired, f.verify(t, rec.Token, "hw").Outcome)

	_, err := f.admin.SetBanned(ctx, rec.Token, true, "x")
	require.NoError(t, err)
	_, err = f.admin.SetBanned(ctx, rec.Token, false, "")
	require.NoError(t, err)
	_, err = f.admin.ResetHardware(ctx, rec.Token)
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeBanned, f.verify(t, rec.Token, "hw").Outcome)
}

func TestAdminOperationsOnUnknownToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const token = "does-not-exist"

	ok, err := f.admin.SetBanned(ctx, token, true, "")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.admin.ResetHardware(ctx, token)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.admin.Delete(ctx, token)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Empty(t, f.keys.records, "unknown tokens must not be created")
	for _, e := range f.logs.entries {
		assert.Equal(t, false, e.Details["found"])
	}
}

func TestAdminRejectsMalformedToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.admin.Delete(context.Background(), "bad token")
	assert.ErrorIs(t, err, domain.ErrInvalidKey)
}

func TestDeleteThenVerifyIsInvalid(t *testing.T) {
	f := newFixture(t)
	rec := f.issue(t, IssueRequest{})

	ok, err := f.admin.Delete(context.Background(), rec.Token)
	require.NoError(t, err)
	require.True(t, ok)

	v := f.verify(t, rec.Token, "hw")
	assert.Equal(t, domain.OutcomeInvalid, v.Outcome)
	assert.Nil(t, v.Record)
	_, err = f.keys.Get(context.Background(), rec.Token)
	assert.ErrorIs(t, err, domain.ErrNotFound, "verification must not recreate deleted keys")
}

func TestAuditListLimit(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.issue(t, IssueRequest{})
	}
	entries, err := f.audit.List(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(4), entries[0].ID)
	assert.Equal(t, int64(5), entries[1].ID)

	all, err := f.audit.List(context.Background(), -1)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestImportCopiesKeysAndLogs(t *testing.T) {
	src := newFixture(t)
	a := src.issue(t, IssueRequest{})
	b := src.issue(t, IssueRequest{})

	dstKeys := newMemKeyStore()
	dstLogs := newMemLogStore(0)
	require.NoError(t, dstKeys.Put(context.Background(), domain.KeyRecord{Token: a.Token, Plan: "KEEP"}))

	svc := NewImportService(dstKeys, dstLogs)
	res, err := svc.Import(context.Background(), src.keys, src.logs, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.KeysImported)
	assert.Equal(t, 1, res.KeysSkipped)
	assert.Equal(t, 2, res.LogsImported)

	kept, _ := dstKeys.Get(context.Background(), a.Token)
	assert.Equal(t, "KEEP", kept.Plan)
	imported, err := dstKeys.Get(context.Background(), b.Token)
	require.NoError(t, err)
	assert.Equal(t, b.ExpiresAt, imported.ExpiresAt)

	res, err = svc.Import(context.Background(), src.keys, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.KeysImported)
	kept, _ = dstKeys.Get(context.Background(), a.Token)
	assert.Equal(t, "BASIC", kept.Plan)
}
