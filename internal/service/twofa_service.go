package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"twofa-service/internal/encryption"
	"twofa-service/internal/lock"
	"twofa-service/internal/models"
	"twofa-service/internal/repository"
	"twofa-service/internal/twofa"
	"twofa-service/internal/util"

	"go.uber.org/zap"
)

var (
	ErrAccountNotConfigured  = errors.New("2fa is not configured for this account")
	ErrInvalidInput          = errors.New("invalid input")
	ErrTwoFactorDisabled     = errors.New("2fa is disabled for this account")
	ErrUnsupportedMethod     = twofa.ErrUnsupportedMethod
	ErrAuthenticatorNotSetUp = errors.New("authenticator app is not set up")
	ErrDeviceNotFound        = errors.New("trusted device not found")
	ErrResendTooSoon         = errors.New("otp was sent too recently")
	ErrRateLimited           = errors.New("otp send limit reached")
)

// errNoChange ends a mutation without saving.
var errNoChange = errors.New("no change")

const maxSaveAttempts = 5

// SecretSealer is implemented by encryption.EncryptionManager.
type SecretSealer interface {
	Seal(ctx context.Context, plaintext, purpose string) (string, error)
	Open(ctx context.Context, sealed, purpose string) (string, error)
}

// AuditPublisher is implemented by audit.Dispatcher.
type AuditPublisher interface {
	Dispatch(ctx context.Context, key models.AccountKey, entries []models.SecurityLogEntry) error
}

// SendLimiter is implemented by the Redis send limiter.
type SendLimiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

type Dependencies struct {
	Repository     repository.AccountRepository
	Guard          *twofa.Guard
	Locker         lock.Locker
	Sealer         SecretSealer
	TOTP           *twofa.TOTPVerifier
	Audit          AuditPublisher
	SendLimiter    SendLimiter
	ResendCooldown time.Duration
	Logger         *zap.Logger
}

// TwoFAService serializes every mutation of an account: per-key lock, load,
// guard operation, versioned save, then audit fan-out.
type TwoFAService struct {
	repo           repository.AccountRepository
	guard          *twofa.Guard
	locker         lock.Locker
	sealer         SecretSealer
	totp           *twofa.TOTPVerifier
	audit          AuditPublisher
	limiter        SendLimiter
	resendCooldown time.Duration
	logger         *zap.Logger
}

func NewTwoFAService(deps Dependencies) *TwoFAService {
	s := &TwoFAService{
		repo:           deps.Repository,
		guard:          deps.Guard,
		locker:         deps.Locker,
		sealer:         deps.Sealer,
		totp:           deps.TOTP,
		audit:          deps.Audit,
		limiter:        deps.SendLimiter,
		resendCooldown: deps.ResendCooldown,
		logger:         deps.Logger,
	}
	if s.locker == nil {
		s.locker = lock.NewKeyedMutex()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

type EnableRequest struct {
	Method models.Method `json:"method"`
	Phone  string        `json:"phone,omitempty"`
	Email  string        `json:"email,omitempty"`
}

// Challenge is returned to the caller for out-of-band delivery.
type Challenge struct {
	Code        string        `json:"code"`
	Method      models.Method `json:"method"`
	Destination string        `json:"destination"`
	Purpose     string        `json:"purpose"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

type AuthenticatorSetup struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauth_url"`
}

// AccountStatus is the redacted view of a record: no hashes, seeds or
// contact values.
type AccountStatus struct {
	AccountID            string              `json:"account_id"`
	AccountClass         models.AccountClass `json:"account_class"`
	Enabled              bool                `json:"enabled"`
	Method               models.Method       `json:"method"`
	HasPhone             bool                `json:"has_phone"`
	PhoneVerified        bool                `json:"phone_verified"`
	HasEmail             bool                `json:"has_email"`
	EmailVerified        bool                `json:"email_verified"`
	AuthenticatorSetUp   bool                `json:"authenticator_set_up"`
	Settings             models.Settings     `json:"settings"`
	BackupCodesRemaining int                 `json:"backup_codes_remaining"`
	TrustedDevices       int                 `json:"trusted_devices"`
	Locked               bool                `json:"locked"`
	LockedUntil          *time.Time          `json:"locked_until,omitempty"`
	FailedAttempts       int                 `json:"failed_attempts"`
	ActiveChallenge      bool                `json:"active_challenge"`
	ChallengeExpiresAt   *time.Time          `json:"challenge_expires_at,omitempty"`
	LastOTPSentAt        *time.Time          `json:"last_otp_sent_at,omitempty"`
}

// EnableTwoFactor creates the record on first use, or re-enables it.
func (s *TwoFAService) EnableTwoFactor(ctx context.Context, key models.AccountKey, req EnableRequest, meta twofa.RequestMeta) (*AccountStatus, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if !req.Method.Valid() {
		return nil, fmt.Errorf("%w: unknown method %q", ErrInvalidInput, req.Method)
	}

	contacts, err := s.sealContacts(ctx, req)
	if err != nil {
		return nil, err
	}

	apply := func(acct *models.TwoFactorAccount) error {
		s.guard.Enable(acct, req.Method, contacts, meta)
		switch {
		case req.Method == models.MethodSMS && acct.ContactChannels.Phone == "":
			return fmt.Errorf("%w: phone is required for sms", ErrInvalidInput)
		case req.Method == models.MethodEmail && acct.ContactChannels.Email == "":
			return fmt.Errorf("%w: email is required for email", ErrInvalidInput)
		}
		return nil
	}

	acct, created, err := s.createIfMissing(ctx, key, apply)
	if err != nil {
		return nil, err
	}
	if !created {
		acct, err = s.mutate(ctx, key, apply)
		if err != nil {
			return nil, err
		}
	}

	util.Info("2FA enabled", util.Account(key.String()),
		zap.String("method", string(req.Method)), zap.Bool("created", created))
	return s.statusOf(acct), nil
}

func (s *TwoFAService) DisableTwoFactor(ctx context.Context, key models.AccountKey, meta twofa.RequestMeta) error {
	_, err := s.mutate(ctx, key, func(acct *models.TwoFactorAccount) error {
		if !acct.Enabled {
			return errNoChange
		}
		s.guard.Disable(acct, meta)
		return nil
	})
	return err
}

func (s *TwoFAService) UpdateSettings(ctx context.Context, key models.AccountKey, patch twofa.SettingsPatch, meta twofa.RequestMeta) (*models.Settings, error) {
	acct, err := s.mutate(ctx, key, func(acct *models.TwoFactorAccount) error {
		if err := s.guard.UpdateSettings(acct, patch, meta); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &acct.Settings, nil
}

func (s *TwoFAService) MarkContactVerified(ctx context.Context, key models.AccountKey, channel models.Method, meta twofa.RequestMeta) error {
	_, err := s.mutate(ctx, key, func(acct *models.TwoFactorAccount) error {
		if err := s.guard.MarkContactVerified(acct, channel, meta); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil
	})
	return err
}

func (s *TwoFAService) Status(ctx context.Context, key models.AccountKey) (*AccountStatus, error) {
	acct, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.statusOf(acct), nil
}

// IssueChallenge starts an OTP challenge for sms or email accounts and
// returns the plaintext code with its delivery destination.
func (s *TwoFAService) IssueChallenge(ctx context.Context, key models.AccountKey, purpose string, meta twofa.RequestMeta) (*Challenge, error) {
	purpose = strings.TrimSpace(purpose)
	if purpose == "" {
		purpose = "login"
	}

	var (
		challenge *Challenge
		limited   bool
	)
	_, err := s.mutate(ctx, key, func(acct *models.TwoFactorAccount) error {
		if !acct.Enabled {
			return ErrTwoFactorDisabled
		}
		if !acct.Method.IssuesChallenges() {
			return fmt.Errorf("%w: %s does not use issued codes", ErrUnsupportedMethod, acct.Method)
		}

		now := s.guard.Now()
		if acct.LastOTPSentAt != nil && s.resendCooldown > 0 {
			if wait := acct.LastOTPSentAt.Add(s.resendCooldown).Sub(now); wait > 0 {
				return fmt.Errorf("%w: retry in %s", ErrResendTooSoon, wait.Round(time.Second))
			}
		}
		if s.limiter != nil && !limited {
			limited = true
			ok, retryAfter, err := s.limiter.Allow(ctx, key.String())
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: retry in %s", ErrRateLimited, retryAfter.Round(time.Second))
			}
		}

		destination, err := s.destination(ctx, acct)
		if err != nil {
			return err
		}

		code, err := s.guard.IssueChallenge(acct, purpose, meta)
		if err != nil {
			return err
		}
		challenge = &Challenge{
			Code:        code,
			Method:      acct.Method,
			Destination: destination,
			Purpose:     purpose,
			ExpiresAt:   acct.ActiveOTP.ExpiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.Info("OTP challenge issued", util.Account(key.String()),
		zap.String("purpose", purpose), zap.Time("expires_at", challenge.ExpiresAt))
	return challenge, nil
}

// Verify checks a code against the account's method: the active challenge
// for sms/email, the TOTP seed for authenticator apps.
func (s *TwoFAService) Verify(ctx context.Context, key models.AccountKey, code string, meta twofa.RequestMeta) (twofa.Outcome, error) {
	if strings.TrimSpace(code) == "" {
		return twofa.Outcome{}, fmt.Errorf("%w: code is required", ErrInvalidInput)
	}

	var (
		out      twofa.Outcome
		rejected error
	)
	_, err := s.mutate(ctx, key, func(acct *models.TwoFactorAccount) error {
		rejected = nil
		var err error
		switch {
		case !acct.Enabled:
			rejected = ErrTwoFactorDisabled
		case acct.Method.IssuesChallenges():
			out, err = s.guard.VerifyChallenge(acct, code, meta)
			return err
		case acct.Method == models.MethodAuthenticatorApp && acct.AuthenticatorSecret != "":
			secret, openErr := s.sealer.Open(ctx, acct.AuthenticatorSecret, encryption.PurposeAuthenticatorSeed)
			if openErr != nil {
				return openErr
			}
			out, err = s.guard.VerifyMethodCode(acct, secret, code, meta)
			return err
		case acct.Method == models.MethodAuthenticatorApp:
			rejected = ErrAuthenticatorNotSetUp
		default:
			rejected = fmt.Errorf("%w: %s", ErrUnsupportedMethod, acct.Method)
		}
		s.guard.RejectVerification(acct, twofa.ActionOTPFailed, rejected.Error(), meta)
		return nil
	})
	if err != nil {
		return twofa.Outcome{}, err
	}
	if rejected != nil {
		s.logger.Warn("2FA verification rejected", util.Account(key.String()), zap.Error(rejected))
		return twofa.Outcome{}, rejected
	}

	s.logOutcome("2FA verification", key, out)
	return out, nil
}

// SetupAuthenticator generates a fresh TOTP seed and switches the account
// to the authenticator method. The secret is only returned here.
func (s *TwoFAService) SetupAuthenticator(ctx context.Context, key models.AccountKey, meta twofa.RequestMeta) (*AuthenticatorSetup, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if s.totp == nil {
		return nil, fmt.Errorf("%w: authenticator app", ErrUnsupportedMethod)
	}

	otpKey, err := s.totp.Generate(key.String())
	if err != nil {
		return nil, fmt.Errorf("failed to generate authenticator seed: %w", err)
	}
	sealed, err := s.sealer.Seal(ctx, otpKey.Secret(), encryption.PurposeAuthenticatorSeed)
	if err != nil {
		return nil, err
	}

	_, err = s.mutate(ctx, key, func(acct *models.TwoFactorAccount) error {
		s.guard.ConfigureAuthenticator(acct, sealed, meta)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &AuthenticatorSetup{Secret: otpKey.Secret(), URL: otpKey.URL()}, nil
}

func (s *TwoFAService) IssueBackupCodes(ctx context.Context, key models.AccountKey, meta twofa.RequestMeta) ([]string, error) {
	var codes []string
	_, err := s.mutate(ctx, key, func(acct *models.TwoFactorAccount) error {
		if !acct.Enabled {
			return ErrTwoFactorDisabled
		}
		var err error
		codes, err = s.guard.IssueBackupCodes(acct, 0, meta)
		return err
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// RedeemBackupCode consumes a recovery code. It is allowed while the
// account is locked and never counts toward lockout.
func (s *TwoFAService) RedeemBackupCode(ctx context.Context, key models.AccountKey, code string, meta twofa.RequestMeta) (twofa.Outcome, error) {
	if strings.TrimSpace(code) == "" {
		return twofa.Outcome{}, fmt.Errorf("%w: code is required", ErrInvalidInput)
	}

	var (
		out      twofa.Outcome
		rejected bool
	)
	_, err := s.mutate(ctx, key, func(acct *models.TwoFactorAccount) error {
		rejected = !acct.Enabled
		if rejected {
			s.guard.RejectVerification(acct, twofa.ActionBackupCodeFailed, ErrTwoFactorDisabled.Error(), meta)
			return nil
		}
		var err error
		out, err = s.guard.RedeemBackupCode(acct, code, meta)
		return err
	})
	if err != nil {
		return twofa.Outcome{}, err
	}
	if rejected {
		return twofa.Outcome{}, ErrTwoFactorDisabled
	}

	s.logOutcome("Backup code redemption", key, out)
	return out, nil
}

func (s *TwoFAService) RemainingBackupCodes(ctx context.Context, key models.AccountKey) (int, error) {
	acct, err := s.load(ctx, key)
	if err != nil {
		return 0, err
	}
	return twofa.RemainingBackupCodes(acct), nil
}

func (s *TwoFAService) TrustDevice(ctx context.Context, key models.AccountKey, info twofa.DeviceInfo) (*models.TrustedDevice, error) {
	var device models.TrustedDevice
	_, err := s.mutate(ctx, key, func(acct *models.TwoFactorAccount) error {
		id := s.guard.TrustDevice(acct, info)
		device = acct.TrustedDevices[len(acct.TrustedDevices)-1]
		if device.DeviceID != id {
			return fmt.Errorf("trusted device %s not stored", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// IsTrusted reports whether deviceID may skip 2FA. A hit refreshes the
// device's last use; a miss writes nothing.
func (s *TwoFAService) IsTrusted(ctx context.Context, key models.AccountKey, deviceID string) (bool, error) {
	if strings.TrimSpace(deviceID) == "" {
		return false, fmt.Errorf("%w: device id is required", ErrInvalidInput)
	}

	var trusted bool
	_, err := s.mutate(ctx, key, func(acct *models.TwoFactorAccount) error {
		trusted = s.guard.IsTrusted(acct, deviceID)
		if !trusted {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return trusted, nil
}

func (s *TwoFAService) ListDevices(ctx context.Context, key models.AccountKey) ([]models.TrustedDevice, error) {
	acct, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.guard.ActiveDevices(acct), nil
}

func (s *TwoFAService) RevokeDevice(ctx context.Context, key models.AccountKey, deviceID string, meta twofa.RequestMeta) error {
	_, err := s.mutate(ctx, key, func(acct *models.TwoFactorAccount) error {
		if !s.guard.RevokeDevice(acct, deviceID, meta) {
			return ErrDeviceNotFound
		}
		return nil
	})
	return err
}

func (s *TwoFAService) RevokeAllDevices(ctx context.Context, key models.AccountKey, meta twofa.RequestMeta) (int, error) {
	var n int
	_, err := s.mutate(ctx, key, func(acct *models.TwoFactorAccount) error {
		n = s.guard.RevokeAllDevices(acct, meta)
		if n == 0 {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SecurityLog returns up to limit entries, newest first.
func (s *TwoFAService) SecurityLog(ctx context.Context, key models.AccountKey, limit int) ([]models.SecurityLogEntry, error) {
	acct, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	n := len(acct.SecurityLog)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.SecurityLogEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, acct.SecurityLog[i])
	}
	return out, nil
}

func (s *TwoFAService) load(ctx context.Context, key models.AccountKey) (*models.TwoFactorAccount, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	acct, err := s.repo.Get(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAccountNotConfigured
		}
		return nil, err
	}
	return acct, nil
}

// mutate runs fn against the freshest record under the account lock and
// saves the result with a version check. fn may run more than once. Audit
// events are published after the lock is released.
func (s *TwoFAService) mutate(ctx context.Context, key models.AccountKey, fn func(*models.TwoFactorAccount) error) (*models.TwoFactorAccount, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	acct, events, err := s.mutateLocked(ctx, key, fn)
	s.publish(ctx, key, events)
	return acct, err
}

func (s *TwoFAService) mutateLocked(ctx context.Context, key models.AccountKey, fn func(*models.TwoFactorAccount) error) (*models.TwoFactorAccount, []models.SecurityLogEntry, error) {
	unlock, err := s.locker.Lock(ctx, key.String())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock account: %w", err)
	}
	defer unlock()

	for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
		acct, err := s.load(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		version := acct.Version

		if err := fn(acct); err != nil {
			if errors.Is(err, errNoChange) {
				return acct, nil, nil
			}
			return nil, nil, err
		}

		acct.UpdatedAt = s.guard.Now()
		err = s.repo.Update(ctx, acct, version)
		if errors.Is(err, repository.ErrVersionConflict) {
			s.logger.Debug("Retrying 2fa account update after version conflict",
				util.Account(key.String()), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to save 2fa account: %w", err)
		}
		return acct, acct.DrainEvents(), nil
	}

	return nil, nil, fmt.Errorf("failed to save 2fa account after %d attempts: %w", maxSaveAttempts, repository.ErrVersionConflict)
}

// createIfMissing inserts a new record built by fn. created is false when
// the record already exists.
func (s *TwoFAService) createIfMissing(ctx context.Context, key models.AccountKey, fn func(*models.TwoFactorAccount) error) (*models.TwoFactorAccount, bool, error) {
	acct, created, err := s.createLocked(ctx, key, fn)
	if created {
		s.publish(ctx, key, acct.DrainEvents())
	}
	return acct, created, err
}

func (s *TwoFAService) createLocked(ctx context.Context, key models.AccountKey, fn func(*models.TwoFactorAccount) error) (*models.TwoFactorAccount, bool, error) {
	unlock, err := s.locker.Lock(ctx, key.String())
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock account: %w", err)
	}
	defer unlock()

	if _, err := s.repo.Get(ctx, key); err == nil {
		return nil, false, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	acct := models.NewTwoFactorAccount(key, s.guard.Now())
	if err := fn(acct); err != nil {
		return nil, false, err
	}
	if err := s.repo.Create(ctx, acct); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to create 2fa account: %w", err)
	}
	return acct, true, nil
}

func (s *TwoFAService) publish(ctx context.Context, key models.AccountKey, entries []models.SecurityLogEntry) {
	if s.audit == nil || len(entries) == 0 {
		return
	}
	if err := s.audit.Dispatch(context.WithoutCancel(ctx), key, entries); err != nil {
		s.logger.Warn("Security events not fully delivered",
			util.Account(key.String()), zap.Int("events", len(entries)), zap.Error(err))
	}
}

func (s *TwoFAService) sealContacts(ctx context.Context, req EnableRequest) (models.ContactChannels, error) {
	var contacts models.ContactChannels
	if util.ContainsSuspicious(req.Phone) || util.ContainsSuspicious(req.Email) {
		return contacts, fmt.Errorf("%w: contact contains markup", ErrInvalidInput)
	}
	if phone := strings.TrimSpace(req.Phone); phone != "" {
		sealed, err := s.sealer.Seal(ctx, phone, encryption.PurposeContactPhone)
		if err != nil {
			return contacts, err
		}
		contacts.Phone = sealed
	}
	if email := strings.TrimSpace(req.Email); email != "" {
		if !strings.Contains(email, "@") {
			return contacts, fmt.Errorf("%w: malformed email", ErrInvalidInput)
		}
		sealed, err := s.sealer.Seal(ctx, strings.ToLower(email), encryption.PurposeContactEmail)
		if err != nil {
			return contacts, err
		}
		contacts.Email = sealed
	}
	return contacts, nil
}

func (s *TwoFAService) destination(ctx context.Context, acct *models.TwoFactorAccount) (string, error) {
	switch acct.Method {
	case models.MethodSMS:
		return s.sealer.Open(ctx, acct.ContactChannels.Phone, encryption.PurposeContactPhone)
	case models.MethodEmail:
		return s.sealer.Open(ctx, acct.ContactChannels.Email, encryption.PurposeContactEmail)
	}
	return "", nil
}

func (s *TwoFAService) statusOf(acct *models.TwoFactorAccount) *AccountStatus {
	view := acct.Clone()
	locked := s.guard.CheckLock(view)

	st := &AccountStatus{
		AccountID:            view.AccountID,
		AccountClass:         view.AccountClass,
		Enabled:              view.Enabled,
		Method:               view.Method,
		HasPhone:             view.ContactChannels.Phone != "",
		PhoneVerified:        view.ContactChannels.PhoneVerified,
		HasEmail:             view.ContactChannels.Email != "",
		EmailVerified:        view.ContactChannels.EmailVerified,
		AuthenticatorSetUp:   view.AuthenticatorSecret != "",
		Settings:             view.Settings,
		BackupCodesRemaining: twofa.RemainingBackupCodes(view),
		TrustedDevices:       len(s.guard.ActiveDevices(view)),
		Locked:               locked,
		LockedUntil:          view.LockedUntil,
		FailedAttempts:       view.FailedAttempts,
		LastOTPSentAt:        view.LastOTPSentAt,
	}
	if otp := view.ActiveOTP; otp != nil && !otp.Verified && otp.Attempts < otp.MaxAttempts && !s.guard.Now().After(otp.ExpiresAt) {
		st.ActiveChallenge = true
		expires := otp.ExpiresAt
		st.ChallengeExpiresAt = &expires
	}
	return st
}

func (s *TwoFAService) logOutcome(msg string, key models.AccountKey, out twofa.Outcome) {
	fields := []zap.Field{util.Account(key.String()), zap.Stringer("status", out.Status)}
	if out.OK() {
		s.logger.Info(msg+" succeeded", fields...)
		return
	}
	s.logger.Warn(msg+" failed", fields...)
}

func validateKey(key models.AccountKey) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
