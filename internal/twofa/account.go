package twofa

import (
	"errors"
	"fmt"

	"twofa-service/internal/models"
)

var ErrInvalidSettings = errors.New("invalid 2fa settings")

// SettingsPatch carries optional changes to per-account settings.
type SettingsPatch struct {
	RequireForLogin            *bool `json:"require_for_login,omitempty"`
	RequireForSensitiveActions *bool `json:"require_for_sensitive_actions,omitempty"`
	TrustDeviceDurationDays    *int  `json:"trust_device_duration_days,omitempty"`
	OTPExpiryMinutes           *int  `json:"otp_expiry_minutes,omitempty"`
}

// Enable turns 2FA on with the given method. Contact values are expected to
// be sealed already; empty values leave the stored ones in place.
func (g *Guard) Enable(acct *models.TwoFactorAccount, method models.Method, contacts models.ContactChannels, meta RequestMeta) {
	acct.Enabled = true
	if acct.Method != method {
		acct.ActiveOTP = nil
	}
	acct.Method = method
	if contacts.Phone != "" {
		acct.ContactChannels.Phone = contacts.Phone
		acct.ContactChannels.PhoneVerified = false
	}
	if contacts.Email != "" {
		acct.ContactChannels.Email = contacts.Email
		acct.ContactChannels.EmailVerified = false
	}
	g.AppendLog(acct, ActionTwoFAEnabled, StatusSuccess, meta, "method: "+string(method))
}

// Disable turns 2FA off and drops any live challenge. Backup codes, devices
// and the log are kept.
func (g *Guard) Disable(acct *models.TwoFactorAccount, meta RequestMeta) {
	acct.Enabled = false
	acct.ActiveOTP = nil
	g.AppendLog(acct, ActionTwoFADisabled, StatusSuccess, meta, "")
}

func (g *Guard) UpdateSettings(acct *models.TwoFactorAccount, patch SettingsPatch, meta RequestMeta) error {
	next := acct.Settings
	if patch.RequireForLogin != nil {
		next.RequireForLogin = *patch.RequireForLogin
	}
	if patch.RequireForSensitiveActions != nil {
		next.RequireForSensitiveActions = *patch.RequireForSensitiveActions
	}
	if patch.TrustDeviceDurationDays != nil {
		if d := *patch.TrustDeviceDurationDays; d < 1 || d > 365 {
			return fmt.Errorf("%w: trust_device_duration_days must be between 1 and 365", ErrInvalidSettings)
		}
		next.TrustDeviceDurationDays = *patch.TrustDeviceDurationDays
	}
	if patch.OTPExpiryMinutes != nil {
		if m := *patch.OTPExpiryMinutes; m < 1 || m > 60 {
			return fmt.Errorf("%w: otp_expiry_minutes must be between 1 and 60", ErrInvalidSettings)
		}
		next.OTPExpiryMinutes = *patch.OTPExpiryMinutes
	}
	acct.Settings = next
	g.AppendLog(acct, ActionSettingsUpdated, StatusSuccess, meta, "")
	return nil
}

// MarkContactVerified flags the phone or email channel as verified.
func (g *Guard) MarkContactVerified(acct *models.TwoFactorAccount, channel models.Method, meta RequestMeta) error {
	switch channel {
	case models.MethodSMS:
		if acct.ContactChannels.Phone == "" {
			return fmt.Errorf("%w: no phone on record", ErrInvalidSettings)
		}
		acct.ContactChannels.PhoneVerified = true
	case models.MethodEmail:
		if acct.ContactChannels.Email == "" {
			return fmt.Errorf("%w: no email on record", ErrInvalidSettings)
		}
		acct.ContactChannels.EmailVerified = true
	default:
		return fmt.Errorf("%w: channel %q has no contact", ErrInvalidSettings, channel)
	}
	g.AppendLog(acct, ActionContactVerified, StatusSuccess, meta, string(channel))
	return nil
}
