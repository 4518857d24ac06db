package twofa

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"twofa-service/internal/models"
)

// IssueChallenge starts a new OTP challenge, replacing any previous one, and
// returns the plaintext code for out-of-band delivery. Only the hash is kept.
func (g *Guard) IssueChallenge(acct *models.TwoFactorAccount, purpose string, meta RequestMeta) (string, error) {
	now := g.Now()

	code, err := g.generateNumericCode(g.policy.OTPDigits)
	if err != nil {
		return "", err
	}
	hash, err := g.hasher.HashOTP(code)
	if err != nil {
		return "", fmt.Errorf("failed to hash otp: %w", err)
	}

	expiry := time.Duration(acct.Settings.OTPExpiryMinutes) * time.Minute
	acct.ActiveOTP = &models.ActiveOTP{
		CodeHash:    hash,
		ExpiresAt:   now.Add(expiry),
		Attempts:    0,
		MaxAttempts: g.policy.OTPMaxAttempts,
		Purpose:     purpose,
		Verified:    false,
	}
	sent := now
	acct.LastOTPSentAt = &sent

	g.appendLogAt(acct, ActionOTPSent, StatusSuccess, meta, "purpose: "+purpose, now)
	return code, nil
}

// VerifyChallenge checks a submitted code against the active challenge.
// Every call appends exactly one security log entry.
func (g *Guard) VerifyChallenge(acct *models.TwoFactorAccount, code string, meta RequestMeta) (Outcome, error) {
	now := g.Now()

	out, err := g.verifyChallenge(acct, strings.TrimSpace(code), now)
	if err != nil {
		return Outcome{}, err
	}
	g.logVerification(acct, ActionOTPVerified, ActionOTPFailed, out, meta, now)
	return out, nil
}

func (g *Guard) verifyChallenge(acct *models.TwoFactorAccount, code string, now time.Time) (Outcome, error) {
	if g.checkLockAt(acct, now) {
		return locked(*acct.LockedUntil), nil
	}

	otp := acct.ActiveOTP
	if otp == nil || otp.Verified {
		return outcome(StatusNoActiveChallenge), nil
	}
	if now.After(otp.ExpiresAt) {
		return outcome(StatusExpired), nil
	}
	if otp.Attempts >= otp.MaxAttempts {
		return outcome(StatusAttemptsExhausted), nil
	}

	match, err := g.hasher.VerifyOTP(code, otp.CodeHash)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to verify otp: %w", err)
	}

	if !match {
		otp.Attempts++
		if g.registerFailure(acct, now) {
			return locked(*acct.LockedUntil), nil
		}
		remaining := otp.MaxAttempts - otp.Attempts
		if remaining <= 0 {
			return outcome(StatusAttemptsExhausted), nil
		}
		return invalid(remaining), nil
	}

	otp.Verified = true
	g.resetFailures(acct)
	return outcome(StatusVerified), nil
}

func (g *Guard) generateNumericCode(digits int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(g.random, limit)
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
