package twofa

import (
	"time"

	"twofa-service/internal/models"
)

// Security log actions.
const (
	ActionOTPSent          = "OTP Sent"
	ActionOTPVerified      = "OTP Verified"
	ActionOTPFailed        = "OTP Failed"
	ActionBackupCodeUsed   = "Backup Code Used"
	ActionBackupCodeFailed = "Backup Code Failed"
	ActionBackupCodesIssue = "Backup Codes Generated"
	ActionDeviceTrusted    = "Device Trusted"
	ActionDeviceRevoked    = "Device Revoked"
	ActionTwoFAEnabled     = "2FA Enabled"
	ActionTwoFADisabled    = "2FA Disabled"
	ActionSettingsUpdated  = "Settings Updated"
	ActionAuthenticatorSet = "Authenticator Configured"
	ActionContactVerified  = "Contact Verified"

	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// appendBounded appends v and drops the oldest entries beyond limit.
func appendBounded[T any](list []T, v T, limit int) []T {
	list = append(list, v)
	if limit > 0 && len(list) > limit {
		n := len(list) - limit
		trimmed := make([]T, limit)
		copy(trimmed, list[n:])
		list = trimmed
	}
	return list
}

// AppendLog records an entry in the bounded security log and queues it for
// audit fan-out.
func (g *Guard) AppendLog(acct *models.TwoFactorAccount, action, status string, meta RequestMeta, details string) {
	g.appendLogAt(acct, action, status, meta, details, g.Now())
}

func (g *Guard) appendLogAt(acct *models.TwoFactorAccount, action, status string, meta RequestMeta, details string, at time.Time) {
	entry := models.SecurityLogEntry{
		Action:     action,
		Status:     status,
		IPAddress:  meta.IPAddress,
		DeviceInfo: meta.DeviceInfo,
		Timestamp:  at,
		Details:    details,
	}
	acct.SecurityLog = appendBounded(acct.SecurityLog, entry, g.policy.SecurityLogLimit)
	acct.QueueEvent(entry)
}

// RejectVerification logs a verification attempt refused before any code
// was checked, e.g. on a disabled account. Lockout counters are untouched.
func (g *Guard) RejectVerification(acct *models.TwoFactorAccount, action, reason string, meta RequestMeta) {
	g.AppendLog(acct, action, StatusFailed, meta, reason)
}

func (g *Guard) logVerification(acct *models.TwoFactorAccount, success, failure string, out Outcome, meta RequestMeta, at time.Time) {
	if out.OK() {
		g.appendLogAt(acct, success, StatusSuccess, meta, "", at)
		return
	}
	g.appendLogAt(acct, failure, StatusFailed, meta, out.describe(), at)
}
