package twofa

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"twofa-service/internal/config"
	"twofa-service/internal/hashing"
	"twofa-service/internal/models"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

var meta = RequestMeta{IPAddress: "10.0.0.7", DeviceInfo: "test-agent"}

func newTestGuard(t *testing.T, opts ...Option) (*Guard, *fakeClock, *models.TwoFactorAccount) {
	t.Helper()
	hasher, err := hashing.NewHasher(config.HashingConfig{
		Argon2MemoryCost:  1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
		Peppers:           "1:test-pepper",
	})
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	g := NewGuard(hasher, DefaultPolicy(), opts...)

	acct := models.NewTwoFactorAccount(models.AccountKey{AccountID: "d-100", AccountClass: models.AccountClassDoctor}, clock.now)
	acct.Enabled = true
	acct.Method = models.MethodSMS
	return g, clock, acct
}

func wrongCode(code string) string {
	b := []byte(code)
	for i := range b {
		b[i] = '0' + (b[i]-'0'+1)%10
	}
	return string(b)
}

func issue(t *testing.T, g *Guard, acct *models.TwoFactorAccount) string {
	t.Helper()
	code, err := g.IssueChallenge(acct, "login", meta)
	require.NoError(t, err)
	require.Len(t, code, 6)
	return code
}

func verify(t *testing.T, g *Guard, acct *models.TwoFactorAccount, code string) Outcome {
	t.Helper()
	out, err := g.VerifyChallenge(acct, code, meta)
	require.NoError(t, err)
	return out
}

func TestIssueChallengeStoresOnlyHash(t *testing.T) {
	g, clock, acct := newTestGuard(t)
	code := issue(t, g, acct)

	require.NotNil(t, acct.ActiveOTP)
	require.NotEqual(t, code, acct.ActiveOTP.CodeHash)
	require.Equal(t, clock.now.Add(10*time.Minute), acct.ActiveOTP.ExpiresAt)
	require.Equal(t, 0, acct.ActiveOTP.Attempts)
	require.Equal(t, 3, acct.ActiveOTP.MaxAttempts)
	require.Equal(t, "login", acct.ActiveOTP.Purpose)
	require.False(t, acct.ActiveOTP.Verified)
	require.Equal(t, clock.now, *acct.LastOTPSentAt)

	raw, err := json.Marshal(acct)
	require.NoError(t, err)
	require.NotContains(t, string(raw), `"`+code+`"`)
	for _, e := range acct.SecurityLog {
		require.NotContains(t, e.Details, code)
	}
}

func TestNewChallengeSupersedesOld(t *testing.T) {
	g, _, acct := newTestGuard(t)
	first := issue(t, g, acct)
	second := issue(t, g, acct)
	for second == first {
		second = issue(t, g, acct)
	}

	require.Equal(t, invalid(2), verify(t, g, acct, first))
	require.Equal(t, StatusVerified, verify(t, g, acct, second).Status)
}

func TestVerifiedChallengeIsConsumed(t *testing.T) {
	g, _, acct := newTestGuard(t)
	code := issue(t, g, acct)

	require.Equal(t, StatusVerified, verify(t, g, acct, code).Status)
	require.True(t, acct.ActiveOTP.Verified)
	require.Equal(t, StatusNoActiveChallenge, verify(t, g, acct, code).Status)
}

func TestNoActiveChallenge(t *testing.T) {
	g, _, acct := newTestGuard(t)
	require.Equal(t, StatusNoActiveChallenge, verify(t, g, acct, "123456").Status)
	require.Equal(t, 0, acct.FailedAttempts)
}

func TestThreeWrongCodesExhaustChallenge(t *testing.T) {
	g, _, acct := newTestGuard(t)
	code := issue(t, g, acct)
	bad := wrongCode(code)

	require.Equal(t, invalid(2), verify(t, g, acct, bad))
	require.Equal(t, invalid(1), verify(t, g, acct, bad))
	require.Equal(t, outcome(StatusAttemptsExhausted), verify(t, g, acct, bad))
	require.Equal(t, 3, acct.ActiveOTP.Attempts)
	require.Equal(t, 3, acct.FailedAttempts)

	// Exhausted challenges reject even the right code without counting.
	require.Equal(t, StatusAttemptsExhausted, verify(t, g, acct, code).Status)
	require.Equal(t, 3, acct.ActiveOTP.Attempts)
	require.Equal(t, 3, acct.FailedAttempts)
}

func TestExpiredChallenge(t *testing.T) {
	g, clock, acct := newTestGuard(t)
	code := issue(t, g, acct)

	clock.Advance(10*time.Minute + time.Second)
	require.Equal(t, StatusExpired, verify(t, g, acct, code).Status)
	require.NotNil(t, acct.ActiveOTP)
	require.Equal(t, 0, acct.ActiveOTP.Attempts)
}

func TestChallengeValidAtExactExpiry(t *testing.T) {
	g, clock, acct := newTestGuard(t)
	code := issue(t, g, acct)

	clock.Advance(10 * time.Minute)
	require.Equal(t, StatusVerified, verify(t, g, acct, code).Status)
}

func TestLockoutAcrossChallenges(t *testing.T) {
	g, clock, acct := newTestGuard(t)

	code := issue(t, g, acct)
	for i := 0; i < 3; i++ {
		verify(t, g, acct, wrongCode(code))
	}
	require.Equal(t, 3, acct.FailedAttempts)

	code = issue(t, g, acct)
	require.Equal(t, invalid(2), verify(t, g, acct, wrongCode(code)))

	out := verify(t, g, acct, wrongCode(code))
	require.Equal(t, StatusAccountLocked, out.Status)
	require.NotNil(t, out.LockedUntil)
	require.Equal(t, clock.now.Add(30*time.Minute), *out.LockedUntil)
	require.Equal(t, 5, acct.FailedAttempts)
	require.Equal(t, 2, acct.ActiveOTP.Attempts)

	// The correct code is refused while locked and consumes nothing.
	clock.Advance(time.Minute)
	require.Equal(t, StatusAccountLocked, verify(t, g, acct, code).Status)
	require.Equal(t, 2, acct.ActiveOTP.Attempts)
	require.Equal(t, 5, acct.FailedAttempts)
	require.True(t, g.CheckLock(acct))
}

func TestLockExpiresLazily(t *testing.T) {
	g, clock, acct := newTestGuard(t)
	until := clock.now.Add(30 * time.Minute)
	acct.FailedAttempts = 5
	acct.LockedUntil = &until

	clock.Advance(29 * time.Minute)
	require.True(t, g.CheckLock(acct))
	require.Equal(t, 5, acct.FailedAttempts)

	clock.Advance(time.Minute)
	require.False(t, g.CheckLock(acct))
	require.Nil(t, acct.LockedUntil)
	require.Equal(t, 0, acct.FailedAttempts)

	code := issue(t, g, acct)
	require.Equal(t, StatusVerified, verify(t, g, acct, code).Status)
}

func TestVerifiedResetsFailures(t *testing.T) {
	g, _, acct := newTestGuard(t)
	code := issue(t, g, acct)
	verify(t, g, acct, wrongCode(code))
	verify(t, g, acct, wrongCode(code))
	require.Equal(t, 2, acct.FailedAttempts)

	require.Equal(t, StatusVerified, verify(t, g, acct, code).Status)
	require.Equal(t, 0, acct.FailedAttempts)
}

func TestEveryVerificationLogsOnce(t *testing.T) {
	g, clock, acct := newTestGuard(t)
	code := issue(t, g, acct)
	acct.DrainEvents()

	cases := []string{"", wrongCode(code), code, code}
	for _, c := range cases {
		before := len(acct.SecurityLog)
		verify(t, g, acct, c)
		require.Len(t, acct.SecurityLog, before+1)
	}

	clock.Advance(time.Hour)
	before := len(acct.SecurityLog)
	verify(t, g, acct, code)
	require.Len(t, acct.SecurityLog, before+1)

	last := acct.SecurityLog[len(acct.SecurityLog)-1]
	require.Equal(t, ActionOTPFailed, last.Action)
	require.Equal(t, StatusFailed, last.Status)
	require.Equal(t, "10.0.0.7", last.IPAddress)

	events := acct.DrainEvents()
	require.Len(t, events, len(cases)+1)
	require.Equal(t, ActionOTPVerified, events[2].Action)
	require.Empty(t, acct.DrainEvents())
}

func TestSecurityLogIsBounded(t *testing.T) {
	g, _, acct := newTestGuard(t)
	for i := 0; i < 101; i++ {
		g.AppendLog(acct, "Test", StatusSuccess, meta, fmt.Sprintf("entry %d", i))
	}
	require.Len(t, acct.SecurityLog, 100)
	require.Equal(t, "entry 1", acct.SecurityLog[0].Details)
	require.Equal(t, "entry 100", acct.SecurityLog[99].Details)

	for i := 0; i < 50; i++ {
		code := issue(t, g, acct)
		verify(t, g, acct, code)
	}
	require.Len(t, acct.SecurityLog, 100)
}

func TestBackupCodesRedeemOnce(t *testing.T) {
	g, _, acct := newTestGuard(t)
	codes, err := g.IssueBackupCodes(acct, 0, meta)
	require.NoError(t, err)
	require.Len(t, codes, 10)
	require.Len(t, acct.BackupCodes, 10)

	format := regexp.MustCompile(`^[A-HJKMNP-Z2-9]{5}-[A-HJKMNP-Z2-9]{5}$`)
	seen := map[string]bool{}
	for _, c := range codes {
		require.Regexp(t, format, c)
		require.False(t, seen[c])
		seen[c] = true
	}

	for i, c := range codes {
		out, err := g.RedeemBackupCode(acct, c, meta)
		require.NoError(t, err)
		require.Equal(t, StatusRedeemed, out.Status)
		require.Equal(t, 10-i-1, RemainingBackupCodes(acct))
	}

	out, err := g.RedeemBackupCode(acct, codes[0], meta)
	require.NoError(t, err)
	require.Equal(t, StatusInvalidOrUsed, out.Status)

	for _, bc := range acct.BackupCodes {
		require.True(t, bc.Used)
		require.NotNil(t, bc.UsedAt)
	}
}

func TestBackupCodeNormalization(t *testing.T) {
	g, _, acct := newTestGuard(t)
	codes, err := g.IssueBackupCodes(acct, 2, meta)
	require.NoError(t, err)

	messy := " " + strings.ToLower(strings.ReplaceAll(codes[1], "-", " - ")) + " "
	out, err := g.RedeemBackupCode(acct, messy, meta)
	require.NoError(t, err)
	require.Equal(t, StatusRedeemed, out.Status)
	require.False(t, acct.BackupCodes[0].Used)
	require.True(t, acct.BackupCodes[1].Used)

	out, err = g.RedeemBackupCode(acct, "", meta)
	require.NoError(t, err)
	require.Equal(t, StatusInvalidOrUsed, out.Status)
}

func TestBackupCodesAreCumulative(t *testing.T) {
	g, _, acct := newTestGuard(t)
	first, err := g.IssueBackupCodes(acct, 3, meta)
	require.NoError(t, err)
	_, err = g.IssueBackupCodes(acct, 3, meta)
	require.NoError(t, err)

	require.Equal(t, 6, RemainingBackupCodes(acct))
	out, err := g.RedeemBackupCode(acct, first[2], meta)
	require.NoError(t, err)
	require.Equal(t, StatusRedeemed, out.Status)
}

func TestBackupCodePoolIsBounded(t *testing.T) {
	g, _, acct := newTestGuard(t)
	first, err := g.IssueBackupCodes(acct, 0, meta)
	require.NoError(t, err)
	out, err := g.RedeemBackupCode(acct, first[9], meta)
	require.NoError(t, err)
	require.Equal(t, StatusRedeemed, out.Status)

	second, err := g.IssueBackupCodes(acct, 0, meta)
	require.NoError(t, err)
	require.Len(t, acct.BackupCodes, 19)

	third, err := g.IssueBackupCodes(acct, 0, meta)
	require.NoError(t, err)
	require.Len(t, acct.BackupCodes, 20)
	require.Equal(t, 20, RemainingBackupCodes(acct))
	require.Equal(t, "10 codes issued, 9 retired", acct.SecurityLog[len(acct.SecurityLog)-1].Details)

	out, err = g.RedeemBackupCode(acct, first[0], meta)
	require.NoError(t, err)
	require.Equal(t, StatusInvalidOrUsed, out.Status)

	for _, c := range []string{second[0], third[9]} {
		out, err = g.RedeemBackupCode(acct, c, meta)
		require.NoError(t, err)
		require.Equal(t, StatusRedeemed, out.Status)
	}
}

func TestBackupCodesIgnoreLockout(t *testing.T) {
	g, clock, acct := newTestGuard(t)
	codes, err := g.IssueBackupCodes(acct, 1, meta)
	require.NoError(t, err)

	until := clock.now.Add(30 * time.Minute)
	acct.FailedAttempts = 5
	acct.LockedUntil = &until

	out, err := g.RedeemBackupCode(acct, "WRONG-CODE1", meta)
	require.NoError(t, err)
	require.Equal(t, StatusInvalidOrUsed, out.Status)
	require.Equal(t, 5, acct.FailedAttempts)

	out, err = g.RedeemBackupCode(acct, codes[0], meta)
	require.NoError(t, err)
	require.Equal(t, StatusRedeemed, out.Status)
	require.Equal(t, until, *acct.LockedUntil)

	last := acct.SecurityLog[len(acct.SecurityLog)-1]
	require.Equal(t, ActionBackupCodeUsed, last.Action)
}

func TestTrustedDeviceEviction(t *testing.T) {
	g, clock, acct := newTestGuard(t)

	var ids []string
	for i := 0; i < 11; i++ {
		ids = append(ids, g.TrustDevice(acct, DeviceInfo{
			Name:      fmt.Sprintf("Workstation %d", i),
			Type:      "desktop",
			Browser:   "Firefox",
			OS:        "Linux",
			IPAddress: "10.1.1.1",
		}))
		clock.Advance(time.Second)
	}

	require.Len(t, acct.TrustedDevices, 10)
	require.False(t, g.IsTrusted(acct, ids[0]))
	require.Equal(t, ids[1], acct.TrustedDevices[0].DeviceID)
	for _, id := range ids[1:] {
		require.True(t, g.IsTrusted(acct, id))
	}
}

func TestIsTrustedKeepsAbsoluteExpiry(t *testing.T) {
	g, clock, acct := newTestGuard(t)
	start := clock.now
	id := g.TrustDevice(acct, DeviceInfo{Name: "Ward tablet", Type: "tablet", Browser: "Safari", OS: "iPadOS"})

	d := acct.TrustedDevices[0]
	require.Equal(t, start.Add(30*24*time.Hour), d.ExpiresAt)
	require.Equal(t, start, d.TrustedAt)

	clock.Advance(29 * 24 * time.Hour)
	require.True(t, g.IsTrusted(acct, id))
	require.Equal(t, clock.now, acct.TrustedDevices[0].LastUsed)
	require.Equal(t, d.ExpiresAt, acct.TrustedDevices[0].ExpiresAt)

	clock.Advance(24*time.Hour + time.Second)
	require.False(t, g.IsTrusted(acct, id))
	require.Empty(t, g.ActiveDevices(acct))
	require.False(t, g.IsTrusted(acct, "unknown"))
}

func TestRevokeDevices(t *testing.T) {
	g, _, acct := newTestGuard(t)
	a := g.TrustDevice(acct, DeviceInfo{Name: "A"})
	b := g.TrustDevice(acct, DeviceInfo{Name: "B"})

	require.True(t, g.RevokeDevice(acct, a, meta))
	require.False(t, g.RevokeDevice(acct, a, meta))
	require.False(t, g.IsTrusted(acct, a))
	require.True(t, g.IsTrusted(acct, b))

	require.Equal(t, 1, g.RevokeAllDevices(acct, meta))
	require.Empty(t, acct.TrustedDevices)
}

func TestDeviceInfoIsStoredVerbatim(t *testing.T) {
	g, _, acct := newTestGuard(t)
	g.TrustDevice(acct, DeviceInfo{Name: "  <b>Nurse station</b> ", OS: "Linux"})
	require.Equal(t, "  <b>Nurse station</b> ", acct.TrustedDevices[0].DeviceName)

	last := acct.SecurityLog[len(acct.SecurityLog)-1]
	require.Equal(t, ActionDeviceTrusted, last.Action)
	require.NotContains(t, last.DeviceInfo, "<b>")
}

func TestTOTPVerification(t *testing.T) {
	verifier := NewTOTPVerifier("Hospital Operations")
	g, clock, acct := newTestGuard(t, WithMethodVerifier(verifier))

	key, err := verifier.Generate("d-100")
	require.NoError(t, err)
	g.ConfigureAuthenticator(acct, "sealed-secret", meta)
	require.Equal(t, models.MethodAuthenticatorApp, acct.Method)

	code, err := totp.GenerateCodeCustom(key.Secret(), clock.now, verifier.opts)
	require.NoError(t, err)

	out, err := g.VerifyMethodCode(acct, key.Secret(), code, meta)
	require.NoError(t, err)
	require.Equal(t, StatusVerified, out.Status)

	out, err = g.VerifyMethodCode(acct, key.Secret(), wrongCode(code), meta)
	require.NoError(t, err)
	require.Equal(t, invalid(4), out)

	out, err = g.VerifyMethodCode(acct, key.Secret(), "12", meta)
	require.NoError(t, err)
	require.Equal(t, invalid(3), out)
}

func TestTOTPCodeCannotBeReplayed(t *testing.T) {
	verifier := NewTOTPVerifier("Hospital Operations")
	g, clock, acct := newTestGuard(t, WithMethodVerifier(verifier))
	key, err := verifier.Generate("d-100")
	require.NoError(t, err)
	g.ConfigureAuthenticator(acct, "sealed-secret", meta)

	code, err := totp.GenerateCodeCustom(key.Secret(), clock.now, verifier.opts)
	require.NoError(t, err)
	out, err := g.VerifyMethodCode(acct, key.Secret(), code, meta)
	require.NoError(t, err)
	require.Equal(t, StatusVerified, out.Status)

	out, err = g.VerifyMethodCode(acct, key.Secret(), code, meta)
	require.NoError(t, err)
	require.Equal(t, invalid(4), out)

	// Still inside the skew window, but its step was already accepted.
	clock.Advance(30 * time.Second)
	out, err = g.VerifyMethodCode(acct, key.Secret(), code, meta)
	require.NoError(t, err)
	require.Equal(t, invalid(3), out)

	next, err := totp.GenerateCodeCustom(key.Secret(), clock.now, verifier.opts)
	require.NoError(t, err)
	out, err = g.VerifyMethodCode(acct, key.Secret(), next, meta)
	require.NoError(t, err)
	require.Equal(t, StatusVerified, out.Status)
	require.Zero(t, acct.FailedAttempts)
}

func TestTOTPFailuresLockAccount(t *testing.T) {
	verifier := NewTOTPVerifier("Hospital Operations")
	g, clock, acct := newTestGuard(t, WithMethodVerifier(verifier))
	key, err := verifier.Generate("d-100")
	require.NoError(t, err)
	acct.Method = models.MethodAuthenticatorApp

	code, err := totp.GenerateCodeCustom(key.Secret(), clock.now, verifier.opts)
	require.NoError(t, err)

	var out Outcome
	for i := 0; i < 5; i++ {
		out, err = g.VerifyMethodCode(acct, key.Secret(), wrongCode(code), meta)
		require.NoError(t, err)
	}
	require.Equal(t, StatusAccountLocked, out.Status)

	out, err = g.VerifyMethodCode(acct, key.Secret(), code, meta)
	require.NoError(t, err)
	require.Equal(t, StatusAccountLocked, out.Status)
}

func TestBiometricUnsupported(t *testing.T) {
	g, _, acct := newTestGuard(t, WithMethodVerifier(NewTOTPVerifier("x")))
	acct.Method = models.MethodBiometric
	before := len(acct.SecurityLog)

	_, err := g.VerifyMethodCode(acct, "", "123456", meta)
	require.ErrorIs(t, err, ErrUnsupportedMethod)
	require.Len(t, acct.SecurityLog, before)
}

func TestUpdateSettings(t *testing.T) {
	g, _, acct := newTestGuard(t)
	days, minutes := 7, 5
	require.NoError(t, g.UpdateSettings(acct, SettingsPatch{TrustDeviceDurationDays: &days, OTPExpiryMinutes: &minutes}, meta))
	require.Equal(t, 7, acct.Settings.TrustDeviceDurationDays)
	require.Equal(t, 5, acct.Settings.OTPExpiryMinutes)
	require.True(t, acct.Settings.RequireForLogin)

	bad := 0
	err := g.UpdateSettings(acct, SettingsPatch{OTPExpiryMinutes: &bad}, meta)
	require.ErrorIs(t, err, ErrInvalidSettings)
	require.Equal(t, 5, acct.Settings.OTPExpiryMinutes)
}

func TestEnableDisable(t *testing.T) {
	g, _, acct := newTestGuard(t)
	issue(t, g, acct)

	g.Disable(acct, meta)
	require.False(t, acct.Enabled)
	require.Nil(t, acct.ActiveOTP)

	g.Enable(acct, models.MethodEmail, models.ContactChannels{Email: "sealed"}, meta)
	require.True(t, acct.Enabled)
	require.Equal(t, models.MethodEmail, acct.Method)
	require.False(t, acct.ContactChannels.EmailVerified)

	require.NoError(t, g.MarkContactVerified(acct, models.MethodEmail, meta))
	require.True(t, acct.ContactChannels.EmailVerified)
	require.ErrorIs(t, g.MarkContactVerified(acct, models.MethodSMS, meta), ErrInvalidSettings)
}

func TestOutcomeJSON(t *testing.T) {
	raw, err := json.Marshal(invalid(2))
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"invalid","attempts_remaining":2}`, string(raw))

	var out Outcome
	require.NoError(t, json.Unmarshal([]byte(`{"status":"account_locked"}`), &out))
	require.Equal(t, StatusAccountLocked, out.Status)
}
