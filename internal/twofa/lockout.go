package twofa

import (
	"time"

	"twofa-service/internal/models"
)

// CheckLock reports whether the account is locked at the current time.
// An expired lock is cleared and the failure counter reset.
func (g *Guard) CheckLock(acct *models.TwoFactorAccount) bool {
	return g.checkLockAt(acct, g.Now())
}

func (g *Guard) checkLockAt(acct *models.TwoFactorAccount, now time.Time) bool {
	if acct.LockedUntil == nil {
		return false
	}
	if now.Before(*acct.LockedUntil) {
		return true
	}
	acct.LockedUntil = nil
	acct.FailedAttempts = 0
	return false
}

// registerFailure counts one failed verification and locks the account when
// the threshold is reached.
func (g *Guard) registerFailure(acct *models.TwoFactorAccount, now time.Time) bool {
	acct.FailedAttempts++
	if acct.FailedAttempts >= g.policy.LockoutThreshold {
		until := now.Add(g.policy.LockoutDuration)
		acct.LockedUntil = &until
		return true
	}
	return false
}

func (g *Guard) resetFailures(acct *models.TwoFactorAccount) {
	acct.FailedAttempts = 0
}
