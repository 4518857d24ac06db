package models

import (
	"fmt"
	"strings"
	"time"
)

type AccountClass string

const (
	AccountClassPatient    AccountClass = "patient"
	AccountClassDoctor     AccountClass = "doctor"
	AccountClassNurse      AccountClass = "nurse"
	AccountClassPharmacist AccountClass = "pharmacist"
	AccountClassStaff      AccountClass = "staff"
	AccountClassAdmin      AccountClass = "admin"
)

func (c AccountClass) Valid() bool {
	switch c {
	case AccountClassPatient, AccountClassDoctor, AccountClassNurse,
		AccountClassPharmacist, AccountClassStaff, AccountClassAdmin:
		return true
	}
	return false
}

// Method is the channel that issues challenges for an account.
type Method string

const (
	MethodSMS              Method = "sms"
	MethodEmail            Method = "email"
	MethodAuthenticatorApp Method = "authenticator_app"
	MethodBiometric        Method = "biometric"
)

func (m Method) Valid() bool {
	switch m {
	case MethodSMS, MethodEmail, MethodAuthenticatorApp, MethodBiometric:
		return true
	}
	return false
}

// IssuesChallenges reports whether the method uses server-generated one-time codes.
func (m Method) IssuesChallenges() bool {
	return m == MethodSMS || m == MethodEmail
}

// AccountKey identifies one 2FA record.
type AccountKey struct {
	AccountID    string       `json:"account_id" bson:"account_id"`
	AccountClass AccountClass `json:"account_class" bson:"account_class"`
}

func (k AccountKey) String() string {
	return string(k.AccountClass) + ":" + k.AccountID
}

func (k AccountKey) Validate() error {
	if strings.TrimSpace(k.AccountID) == "" {
		return fmt.Errorf("account id is required")
	}
	if !k.AccountClass.Valid() {
		return fmt.Errorf("unknown account class %q", k.AccountClass)
	}
	return nil
}

type ContactChannels struct {
	// Phone and Email hold envelope-encrypted values (see encryption.EncryptedData).
	Phone         string `json:"phone,omitempty" bson:"phone,omitempty"`
	PhoneVerified bool   `json:"phone_verified" bson:"phone_verified"`
	Email         string `json:"email,omitempty" bson:"email,omitempty"`
	EmailVerified bool   `json:"email_verified" bson:"email_verified"`
}

type BackupCode struct {
	CodeHash string     `json:"code_hash" bson:"code_hash"`
	Used     bool       `json:"used" bson:"used"`
	UsedAt   *time.Time `json:"used_at,omitempty" bson:"used_at,omitempty"`
}

type ActiveOTP struct {
	CodeHash    string    `json:"code_hash" bson:"code_hash"`
	ExpiresAt   time.Time `json:"expires_at" bson:"expires_at"`
	Attempts    int       `json:"attempts" bson:"attempts"`
	MaxAttempts int       `json:"max_attempts" bson:"max_attempts"`
	Purpose     string    `json:"purpose" bson:"purpose"`
	Verified    bool      `json:"verified" bson:"verified"`
}

type TrustedDevice struct {
	DeviceID   string    `json:"device_id" bson:"device_id"`
	DeviceName string    `json:"device_name" bson:"device_name"`
	DeviceType string    `json:"device_type" bson:"device_type"`
	Browser    string    `json:"browser" bson:"browser"`
	OS         string    `json:"os" bson:"os"`
	IPAddress  string    `json:"ip_address" bson:"ip_address"`
	TrustedAt  time.Time `json:"trusted_at" bson:"trusted_at"`
	LastUsed   time.Time `json:"last_used" bson:"last_used"`
	ExpiresAt  time.Time `json:"expires_at" bson:"expires_at"`
}

type Settings struct {
	RequireForLogin            bool `json:"require_for_login" bson:"require_for_login"`
	RequireForSensitiveActions bool `json:"require_for_sensitive_actions" bson:"require_for_sensitive_actions"`
	TrustDeviceDurationDays    int  `json:"trust_device_duration_days" bson:"trust_device_duration_days"`
	OTPExpiryMinutes           int  `json:"otp_expiry_minutes" bson:"otp_expiry_minutes"`
}

func DefaultSettings() Settings {
	return Settings{
		RequireForLogin:            true,
		RequireForSensitiveActions: true,
		TrustDeviceDurationDays:    30,
		OTPExpiryMinutes:           10,
	}
}

type SecurityLogEntry struct {
	Action     string    `json:"action" bson:"action"`
	Status     string    `json:"status" bson:"status"`
	IPAddress  string    `json:"ip_address,omitempty" bson:"ip_address,omitempty"`
	DeviceInfo string    `json:"device_info,omitempty" bson:"device_info,omitempty"`
	Timestamp  time.Time `json:"timestamp" bson:"timestamp"`
	Details    string    `json:"details,omitempty" bson:"details,omitempty"`
}

// TwoFactorAccount is the per-identity aggregate shared by OTP challenges,
// backup codes, trusted devices and the lockout ledger.
type TwoFactorAccount struct {
	AccountID           string             `json:"account_id" bson:"account_id"`
	AccountClass        AccountClass       `json:"account_class" bson:"account_class"`
	Enabled             bool               `json:"enabled" bson:"enabled"`
	Method              Method             `json:"method" bson:"method"`
	ContactChannels     ContactChannels    `json:"contact_channels" bson:"contact_channels"`
	AuthenticatorSecret string             `json:"authenticator_secret,omitempty" bson:"authenticator_secret,omitempty"`
	BackupCodes         []BackupCode       `json:"backup_codes" bson:"backup_codes"`
	ActiveOTP           *ActiveOTP         `json:"active_otp,omitempty" bson:"active_otp,omitempty"`
	TrustedDevices      []TrustedDevice    `json:"trusted_devices" bson:"trusted_devices"`
	Settings            Settings           `json:"settings" bson:"settings"`
	SecurityLog         []SecurityLogEntry `json:"security_log" bson:"security_log"`
	FailedAttempts      int                `json:"failed_attempts" bson:"failed_attempts"`
	LockedUntil         *time.Time         `json:"locked_until,omitempty" bson:"locked_until,omitempty"`
	LastOTPSentAt       *time.Time         `json:"last_otp_sent_at,omitempty" bson:"last_otp_sent_at,omitempty"`
	// LastMethodStep is the last accepted authenticator time step.
	LastMethodStep      int64              `json:"last_method_step,omitempty" bson:"last_method_step,omitempty"`

	Version   int64     `json:"version" bson:"version"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`

	pending []SecurityLogEntry
}

// NewTwoFactorAccount returns an empty, disabled record with default settings.
func NewTwoFactorAccount(key AccountKey, now time.Time) *TwoFactorAccount {
	return &TwoFactorAccount{
		AccountID:      key.AccountID,
		AccountClass:   key.AccountClass,
		Settings:       DefaultSettings(),
		BackupCodes:    []BackupCode{},
		TrustedDevices: []TrustedDevice{},
		SecurityLog:    []SecurityLogEntry{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (a *TwoFactorAccount) Key() AccountKey {
	return AccountKey{AccountID: a.AccountID, AccountClass: a.AccountClass}
}

// QueueEvent records a log entry for audit fan-out after the record is saved.
// Queued entries are never persisted.
func (a *TwoFactorAccount) QueueEvent(entry SecurityLogEntry) {
	a.pending = append(a.pending, entry)
}

// DrainEvents returns and clears the queued entries.
func (a *TwoFactorAccount) DrainEvents() []SecurityLogEntry {
	out := a.pending
	a.pending = nil
	return out
}

// Clone deep-copies the record so stores never share slices with callers.
func (a *TwoFactorAccount) Clone() *TwoFactorAccount {
	if a == nil {
		return nil
	}
	c := *a
	c.BackupCodes = make([]BackupCode, len(a.BackupCodes))
	for i, bc := range a.BackupCodes {
		bc.UsedAt = cloneTime(bc.UsedAt)
		c.BackupCodes[i] = bc
	}
	if a.ActiveOTP != nil {
		otp := *a.ActiveOTP
		c.ActiveOTP = &otp
	}
	c.TrustedDevices = append([]TrustedDevice{}, a.TrustedDevices...)
	c.SecurityLog = append([]SecurityLogEntry{}, a.SecurityLog...)
	c.LockedUntil = cloneTime(a.LockedUntil)
	c.LastOTPSentAt = cloneTime(a.LastOTPSentAt)
	c.pending = nil
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
