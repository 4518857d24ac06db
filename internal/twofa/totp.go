package twofa

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"twofa-service/internal/models"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

var ErrUnsupportedMethod = errors.New("method does not support server-side verification")

// MethodVerifier validates codes produced on the client from a shared seed.
// A match reports the time step it was accepted for so callers can refuse
// replays of the same step.
type MethodVerifier interface {
	Method() models.Method
	Verify(secret, code string, at time.Time) (step int64, ok bool, err error)
}

// TOTPVerifier implements RFC 6238 for authenticator apps.
type TOTPVerifier struct {
	issuer string
	skew   int
	opts   totp.ValidateOpts
}

func NewTOTPVerifier(issuer string) *TOTPVerifier {
	return &TOTPVerifier{
		issuer: issuer,
		skew:   1,
		opts: totp.ValidateOpts{
			Period:    30,
			Skew:      0,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		},
	}
}

func (v *TOTPVerifier) Method() models.Method {
	return models.MethodAuthenticatorApp
}

// Verify checks the code against the current step and skew steps either
// side, newest first.
func (v *TOTPVerifier) Verify(secret, code string, at time.Time) (int64, bool, error) {
	code = strings.TrimSpace(code)
	period := time.Duration(v.opts.Period) * time.Second
	for offset := v.skew; offset >= -v.skew; offset-- {
		t := at.Add(time.Duration(offset) * period)
		ok, err := totp.ValidateCustom(code, secret, t, v.opts)
		if errors.Is(err, otp.ErrValidateInputInvalidLength) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, err
		}
		if ok {
			return t.Unix() / int64(v.opts.Period), true, nil
		}
	}
	return 0, false, nil
}

// Generate creates a new seed for accountName.
func (v *TOTPVerifier) Generate(accountName string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: accountName,
		Period:      uint(v.opts.Period),
		Digits:      v.opts.Digits,
		Algorithm:   v.opts.Algorithm,
		SecretSize:  20,
	})
}

// ConfigureAuthenticator stores the sealed seed and switches the account to
// the authenticator method.
func (g *Guard) ConfigureAuthenticator(acct *models.TwoFactorAccount, sealedSecret string, meta RequestMeta) {
	acct.AuthenticatorSecret = sealedSecret
	acct.LastMethodStep = 0
	acct.Method = models.MethodAuthenticatorApp
	acct.ActiveOTP = nil
	g.AppendLog(acct, ActionAuthenticatorSet, StatusSuccess, meta, "")
}

// VerifyMethodCode verifies a code for accounts whose method has a
// registered MethodVerifier. Failures share the lockout counter with OTP
// challenges; the remaining count reported is the distance to lockout.
func (g *Guard) VerifyMethodCode(acct *models.TwoFactorAccount, secret, code string, meta RequestMeta) (Outcome, error) {
	verifier, ok := g.methods[string(acct.Method)]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, acct.Method)
	}

	now := g.Now()
	var out Outcome
	switch {
	case g.checkLockAt(acct, now):
		out = locked(*acct.LockedUntil)
	default:
		step, valid, err := verifier.Verify(secret, code, now)
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to verify %s code: %w", acct.Method, err)
		}
		// A step at or before the last accepted one is a replay.
		if valid && step <= acct.LastMethodStep {
			valid = false
		}
		if valid {
			acct.LastMethodStep = step
			g.resetFailures(acct)
			out = outcome(StatusVerified)
		} else if g.registerFailure(acct, now) {
			out = locked(*acct.LockedUntil)
		} else {
			out = invalid(g.policy.LockoutThreshold - acct.FailedAttempts)
		}
	}

	g.logVerification(acct, ActionOTPVerified, ActionOTPFailed, out, meta, now)
	return out, nil
}
