// Package twofa holds the per-account 2FA state machine: OTP challenges,
// backup codes, trusted devices, progressive lockout and the bounded
// security log. Every operation mutates a *models.TwoFactorAccount in place
// and performs no I/O; callers persist the record and serialize access.
package twofa

import (
	"crypto/rand"
	"io"
	"time"

	"twofa-service/internal/config"

	"github.com/google/uuid"
)

// CodeHasher hashes and verifies one-time codes. Implementations must use a
// constant-time comparison.
type CodeHasher interface {
	HashOTP(code string) (string, error)
	VerifyOTP(code, encoded string) (bool, error)
	HashBackupCode(code string) (string, error)
	VerifyBackupCode(code, encoded string) (bool, error)
}

// Policy holds the service-wide limits. BackupCodePoolLimit caps the unused
// backup codes kept per account.
type Policy struct {
	OTPDigits           int
	OTPMaxAttempts      int
	LockoutThreshold    int
	LockoutDuration     time.Duration
	SecurityLogLimit    int
	TrustedDeviceLimit  int
	BackupCodeCount     int
	BackupCodePoolLimit int
}

func DefaultPolicy() Policy {
	return Policy{
		OTPDigits:           6,
		OTPMaxAttempts:      3,
		LockoutThreshold:    5,
		LockoutDuration:     30 * time.Minute,
		SecurityLogLimit:    100,
		TrustedDeviceLimit:  10,
		BackupCodeCount:     10,
		BackupCodePoolLimit: 20,
	}
}

// PolicyFromConfig fills unset values from DefaultPolicy.
func PolicyFromConfig(cfg config.TwoFAConfig) Policy {
	p := DefaultPolicy()
	if cfg.OTPDigits > 0 {
		p.OTPDigits = cfg.OTPDigits
	}
	if cfg.OTPMaxAttempts > 0 {
		p.OTPMaxAttempts = cfg.OTPMaxAttempts
	}
	if cfg.LockoutThreshold > 0 {
		p.LockoutThreshold = cfg.LockoutThreshold
	}
	if cfg.LockoutDuration > 0 {
		p.LockoutDuration = cfg.LockoutDuration
	}
	if cfg.SecurityLogLimit > 0 {
		p.SecurityLogLimit = cfg.SecurityLogLimit
	}
	if cfg.TrustedDeviceLimit > 0 {
		p.TrustedDeviceLimit = cfg.TrustedDeviceLimit
	}
	if cfg.BackupCodeCount > 0 {
		p.BackupCodeCount = cfg.BackupCodeCount
	}
	if cfg.BackupCodePoolLimit > 0 {
		p.BackupCodePoolLimit = cfg.BackupCodePoolLimit
	}
	if p.BackupCodePoolLimit < p.BackupCodeCount {
		p.BackupCodePoolLimit = p.BackupCodeCount
	}
	return p
}

// RequestMeta describes the caller of an operation for the security log.
type RequestMeta struct {
	IPAddress  string
	DeviceInfo string
}

type Guard struct {
	policy      Policy
	hasher      CodeHasher
	now         func() time.Time
	random      io.Reader
	newDeviceID func() string
	methods     map[string]MethodVerifier
}

type Option func(*Guard)

// WithClock replaces time.Now. Tests use it to simulate elapsed time.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func WithRandom(r io.Reader) Option {
	return func(g *Guard) { g.random = r }
}

func WithDeviceIDs(fn func() string) Option {
	return func(g *Guard) { g.newDeviceID = fn }
}

// WithMethodVerifier registers a strategy for a non-OTP method.
func WithMethodVerifier(v MethodVerifier) Option {
	return func(g *Guard) { g.methods[string(v.Method())] = v }
}

func NewGuard(hasher CodeHasher, policy Policy, opts ...Option) *Guard {
	g := &Guard{
		policy:      policy,
		hasher:      hasher,
		now:         time.Now,
		random:      rand.Reader,
		newDeviceID: func() string { return uuid.New().String() },
		methods:     make(map[string]MethodVerifier),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) Now() time.Time {
	return g.now().UTC()
}

func (g *Guard) Policy() Policy {
	return g.policy
}
