package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"twofa-service/internal/config"
	"twofa-service/internal/encryption"
	"twofa-service/internal/hashing"
	"twofa-service/internal/lock"
	"twofa-service/internal/models"
	"twofa-service/internal/repository"
	"twofa-service/internal/repository/memory"
	"twofa-service/internal/twofa"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type recordingAudit struct {
	mu      sync.Mutex
	actions []string
}

func (r *recordingAudit) Dispatch(_ context.Context, _ models.AccountKey, entries []models.SecurityLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		r.actions = append(r.actions, e.Action)
	}
	return nil
}

func (r *recordingAudit) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.actions...)
}

// conflictingRepo fails the next n updates with a version conflict.
type conflictingRepo struct {
	*memory.AccountRepository
	mu        sync.Mutex
	conflicts int
	updates   int
}

func (r *conflictingRepo) Update(ctx context.Context, acct *models.TwoFactorAccount, expectedVersion int64) error {
	r.mu.Lock()
	r.updates++
	if r.conflicts > 0 {
		r.conflicts--
		r.mu.Unlock()
		return repository.ErrVersionConflict
	}
	r.mu.Unlock()
	return r.AccountRepository.Update(ctx, acct, expectedVersion)
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return false, 90 * time.Second, nil
}

type fixture struct {
	svc   *TwoFAService
	repo  *conflictingRepo
	clock *fakeClock
	audit *recordingAudit
}

var (
	key  = models.AccountKey{AccountID: "n-42", AccountClass: models.AccountClassNurse}
	meta = twofa.RequestMeta{IPAddress: "192.0.2.10", DeviceInfo: "test"}
)

func newFixture(t *testing.T, mutate ...func(*Dependencies)) *fixture {
	t.Helper()
	hasher, err := hashing.NewHasher(config.HashingConfig{
		Argon2MemoryCost:  1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
		Peppers:           "1:service-pepper",
	})
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	verifier := twofa.NewTOTPVerifier("Test Health")
	guard := twofa.NewGuard(hasher, twofa.DefaultPolicy(),
		twofa.WithClock(clock.Now), twofa.WithMethodVerifier(verifier))

	repo := &conflictingRepo{AccountRepository: memory.NewAccountRepository()}
	audit := &recordingAudit{}
	deps := Dependencies{
		Repository: repo,
		Guard:      guard,
		Sealer:     encryption.NewEncryptionManager(config.KMSConfig{}, nil),
		TOTP:       verifier,
		Audit:      audit,
		Logger:     zap.NewNop(),
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	return &fixture{svc: NewTwoFAService(deps), repo: repo, clock: clock, audit: audit}
}

func (f *fixture) enableSMS(t *testing.T) {
	t.Helper()
	_, err := f.svc.EnableTwoFactor(context.Background(), key,
		EnableRequest{Method: models.MethodSMS, Phone: "+15550100"}, meta)
	require.NoError(t, err)
}

func wrong(code string) string {
	b := []byte(code)
	for i := range b {
		b[i] = '0' + (b[i]-'0'+1)%10
	}
	return string(b)
}

func TestOperationsRequireConfiguredAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Verify(ctx, key, "123456", meta)
	require.ErrorIs(t, err, ErrAccountNotConfigured)

	_, err = f.svc.Status(ctx, key)
	require.ErrorIs(t, err, ErrAccountNotConfigured)

	_, err = f.svc.IssueBackupCodes(ctx, key, meta)
	require.ErrorIs(t, err, ErrAccountNotConfigured)

	_, err = f.svc.Status(ctx, models.AccountKey{AccountID: "x", AccountClass: "robot"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestEnableRequiresContactForMethod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.EnableTwoFactor(ctx, key, EnableRequest{Method: models.MethodSMS}, meta)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Status(ctx, key)
	require.ErrorIs(t, err, ErrAccountNotConfigured)

	_, err = f.svc.EnableTwoFactor(ctx, key, EnableRequest{Method: "pigeon"}, meta)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestChallengeFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enableSMS(t)

	ch, err := f.svc.IssueChallenge(ctx, key, "", meta)
	require.NoError(t, err)
	require.Equal(t, "login", ch.Purpose)
	require.Equal(t, "+15550100", ch.Destination)
	require.Equal(t, f.clock.Now().Add(10*time.Minute), ch.ExpiresAt)

	out, err := f.svc.Verify(ctx, key, ch.Code, meta)
	require.NoError(t, err)
	require.Equal(t, twofa.StatusVerified, out.Status)

	out, err = f.svc.Verify(ctx, key, ch.Code, meta)
	require.NoError(t, err)
	require.Equal(t, twofa.StatusNoActiveChallenge, out.Status)

	require.Equal(t, []string{
		twofa.ActionTwoFAEnabled,
		twofa.ActionOTPSent,
		twofa.ActionOTPVerified,
		twofa.ActionOTPFailed,
	}, f.audit.Actions())
}

func TestStatusIsRedacted(t *testing.T) {
	f := newFixture(t)
	f.enableSMS(t)

	st, err := f.svc.Status(context.Background(), key)
	require.NoError(t, err)
	require.True(t, st.Enabled)
	require.True(t, st.HasPhone)
	require.False(t, st.PhoneVerified)
	require.False(t, st.Locked)

	raw, err := json.Marshal(st)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "5550100")
}

func TestDisabledAccountRejectsCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enableSMS(t)
	require.NoError(t, f.svc.DisableTwoFactor(ctx, key, meta))

	_, err := f.svc.IssueChallenge(ctx, key, "login", meta)
	require.ErrorIs(t, err, ErrTwoFactorDisabled)
	_, err = f.svc.Verify(ctx, key, "123456", meta)
	require.ErrorIs(t, err, ErrTwoFactorDisabled)
}

func TestRefusedVerificationsAreLogged(t *testing.T) {
	cases := []struct {
		name    string
		method  models.Method
		disable bool
		err     error
	}{
		{name: "disabled", method: models.MethodSMS, disable: true, err: ErrTwoFactorDisabled},
		{name: "authenticator not set up", method: models.MethodAuthenticatorApp, err: ErrAuthenticatorNotSetUp},
		{name: "biometric", method: models.MethodBiometric, err: ErrUnsupportedMethod},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			_, err := f.svc.EnableTwoFactor(ctx, key, EnableRequest{Method: tc.method, Phone: "+15550100"}, meta)
			require.NoError(t, err)
			if tc.disable {
				ch, err := f.svc.IssueChallenge(ctx, key, "login", meta)
				require.NoError(t, err)
				require.NoError(t, f.svc.DisableTwoFactor(ctx, key, meta))
				_, err = f.svc.Verify(ctx, key, ch.Code, meta)
				require.ErrorIs(t, err, tc.err)
			} else {
				_, err = f.svc.Verify(ctx, key, "123456", meta)
				require.ErrorIs(t, err, tc.err)
			}

			entries, err := f.svc.SecurityLog(ctx, key, 1)
			require.NoError(t, err)
			require.Equal(t, twofa.ActionOTPFailed, entries[0].Action)
			require.Equal(t, twofa.StatusFailed, entries[0].Status)
			require.Equal(t, meta.IPAddress, entries[0].IPAddress)

			actions := f.audit.Actions()
			require.Equal(t, twofa.ActionOTPFailed, actions[len(actions)-1])

			st, err := f.svc.Status(ctx, key)
			require.NoError(t, err)
			require.Zero(t, st.FailedAttempts)
		})
	}
}

func TestRefusedBackupRedemptionIsLogged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enableSMS(t)
	codes, err := f.svc.IssueBackupCodes(ctx, key, meta)
	require.NoError(t, err)
	require.NoError(t, f.svc.DisableTwoFactor(ctx, key, meta))

	_, err = f.svc.RedeemBackupCode(ctx, key, codes[0], meta)
	require.ErrorIs(t, err, ErrTwoFactorDisabled)

	entries, err := f.svc.SecurityLog(ctx, key, 1)
	require.NoError(t, err)
	require.Equal(t, twofa.ActionBackupCodeFailed, entries[0].Action)

	remaining, err := f.svc.RemainingBackupCodes(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 10, remaining)
}

// lockCheckingAudit records whether the account lock was free while events
// were being dispatched.
type lockCheckingAudit struct {
	locker lock.Locker
	mu     sync.Mutex
	errs   []error
}

func (a *lockCheckingAudit) Dispatch(ctx context.Context, k models.AccountKey, _ []models.SecurityLogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	unlock, err := a.locker.Lock(ctx, k.String())
	if err == nil {
		unlock()
	}
	a.mu.Lock()
	a.errs = append(a.errs, err)
	a.mu.Unlock()
	return nil
}

func TestAuditIsPublishedAfterUnlock(t *testing.T) {
	locker := lock.NewKeyedMutex()
	audit := &lockCheckingAudit{locker: locker}
	f := newFixture(t, func(d *Dependencies) {
		d.Locker = locker
		d.Audit = audit
	})
	ctx := context.Background()
	f.enableSMS(t)
	ch, err := f.svc.IssueChallenge(ctx, key, "login", meta)
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, key, ch.Code, meta)
	require.NoError(t, err)

	audit.mu.Lock()
	defer audit.mu.Unlock()
	require.Len(t, audit.errs, 3)
	for _, err := range audit.errs {
		require.NoError(t, err)
	}
}

func TestResendCooldown(t *testing.T) {
	f := newFixture(t, func(d *Dependencies) { d.ResendCooldown = time.Minute })
	ctx := context.Background()
	f.enableSMS(t)

	_, err := f.svc.IssueChallenge(ctx, key, "login", meta)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	_, err = f.svc.IssueChallenge(ctx, key, "login", meta)
	require.ErrorIs(t, err, ErrResendTooSoon)

	f.clock.Advance(31 * time.Second)
	_, err = f.svc.IssueChallenge(ctx, key, "login", meta)
	require.NoError(t, err)
}

func TestSendLimiterRejects(t *testing.T) {
	f := newFixture(t, func(d *Dependencies) { d.SendLimiter = denyLimiter{} })
	f.enableSMS(t)

	_, err := f.svc.IssueChallenge(context.Background(), key, "login", meta)
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestVersionConflictIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enableSMS(t)

	f.repo.conflicts = 2
	_, err := f.svc.IssueChallenge(ctx, key, "login", meta)
	require.NoError(t, err)
	require.Equal(t, 3, f.repo.updates)

	f.repo.conflicts = maxSaveAttempts
	_, err = f.svc.Verify(ctx, key, "000000", meta)
	require.ErrorIs(t, err, repository.ErrVersionConflict)

	st, err := f.svc.Status(ctx, key)
	require.NoError(t, err)
	require.Zero(t, st.FailedAttempts)
}

func TestConcurrentWrongGuessesStayWithinLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enableSMS(t)

	ch, err := f.svc.IssueChallenge(ctx, key, "login", meta)
	require.NoError(t, err)

	const guesses = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[twofa.Status]int{}
	)
	for i := 0; i < guesses; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.svc.Verify(ctx, key, wrong(ch.Code), meta)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			statuses[out.Status]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 2, statuses[twofa.StatusInvalid])
	require.Equal(t, guesses-2, statuses[twofa.StatusAttemptsExhausted])

	acct, err := f.repo.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 3, acct.ActiveOTP.Attempts)
	require.Equal(t, 3, acct.FailedAttempts)
	require.Len(t, acct.SecurityLog, 2+guesses)
}

func TestAuthenticatorFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enableSMS(t)

	setup, err := f.svc.SetupAuthenticator(ctx, key, meta)
	require.NoError(t, err)
	require.Contains(t, setup.URL, "otpauth://totp/")

	acct, err := f.repo.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, models.MethodAuthenticatorApp, acct.Method)
	require.NotContains(t, acct.AuthenticatorSecret, setup.Secret)

	_, err = f.svc.IssueChallenge(ctx, key, "login", meta)
	require.ErrorIs(t, err, ErrUnsupportedMethod)

	code, err := totp.GenerateCode(setup.Secret, f.clock.Now())
	require.NoError(t, err)
	out, err := f.svc.Verify(ctx, key, code, meta)
	require.NoError(t, err)
	require.Equal(t, twofa.StatusVerified, out.Status)

	out, err = f.svc.Verify(ctx, key, wrong(code), meta)
	require.NoError(t, err)
	require.Equal(t, twofa.StatusInvalid, out.Status)
	require.Equal(t, 4, out.AttemptsRemaining)
}

func TestBackupCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enableSMS(t)

	codes, err := f.svc.IssueBackupCodes(ctx, key, meta)
	require.NoError(t, err)
	require.Len(t, codes, 10)

	out, err := f.svc.RedeemBackupCode(ctx, key, codes[3], meta)
	require.NoError(t, err)
	require.Equal(t, twofa.StatusRedeemed, out.Status)

	out, err = f.svc.RedeemBackupCode(ctx, key, codes[3], meta)
	require.NoError(t, err)
	require.Equal(t, twofa.StatusInvalidOrUsed, out.Status)

	n, err := f.svc.RemainingBackupCodes(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 9, n)

	_, err = f.svc.RedeemBackupCode(ctx, key, "  ", meta)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestTrustedDevices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enableSMS(t)

	device, err := f.svc.TrustDevice(ctx, key, twofa.DeviceInfo{Name: "Ward tablet", Browser: "Firefox", OS: "Android"})
	require.NoError(t, err)
	require.Equal(t, f.clock.Now().Add(30*24*time.Hour), device.ExpiresAt)

	f.clock.Advance(time.Hour)
	ok, err := f.svc.IsTrusted(ctx, key, device.DeviceID)
	require.NoError(t, err)
	require.True(t, ok)

	devices, err := f.svc.ListDevices(ctx, key)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, f.clock.Now(), devices[0].LastUsed)

	before, err := f.repo.Get(ctx, key)
	require.NoError(t, err)
	ok, err = f.svc.IsTrusted(ctx, key, "unknown")
	require.NoError(t, err)
	require.False(t, ok)
	after, err := f.repo.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, before.Version, after.Version)

	require.ErrorIs(t, f.svc.RevokeDevice(ctx, key, "unknown", meta), ErrDeviceNotFound)
	require.NoError(t, f.svc.RevokeDevice(ctx, key, device.DeviceID, meta))

	ok, err = f.svc.IsTrusted(ctx, key, device.DeviceID)
	require.NoError(t, err)
	require.False(t, ok)

	for i := 0; i < 3; i++ {
		_, err := f.svc.TrustDevice(ctx, key, twofa.DeviceInfo{Name: "kiosk"})
		require.NoError(t, err)
	}
	n, err := f.svc.RevokeAllDevices(ctx, key, meta)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestSecurityLogNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enableSMS(t)

	_, err := f.svc.IssueChallenge(ctx, key, "login", meta)
	require.NoError(t, err)

	entries, err := f.svc.SecurityLog(ctx, key, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, twofa.ActionOTPSent, entries[0].Action)

	entries, err = f.svc.SecurityLog(ctx, key, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, twofa.ActionTwoFAEnabled, entries[1].Action)
}

func TestUpdateSettingsValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enableSMS(t)

	days := 400
	_, err := f.svc.UpdateSettings(ctx, key, twofa.SettingsPatch{TrustDeviceDurationDays: &days}, meta)
	require.ErrorIs(t, err, ErrInvalidInput)

	minutes := 5
	settings, err := f.svc.UpdateSettings(ctx, key, twofa.SettingsPatch{OTPExpiryMinutes: &minutes}, meta)
	require.NoError(t, err)
	require.Equal(t, 5, settings.OTPExpiryMinutes)

	require.NoError(t, f.svc.MarkContactVerified(ctx, key, models.MethodSMS, meta))
	require.ErrorIs(t, f.svc.MarkContactVerified(ctx, key, models.MethodEmail, meta), ErrInvalidInput)
}
