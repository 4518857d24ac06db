package twofa

import (
	"time"

	"twofa-service/internal/models"
	"twofa-service/internal/util"
)

// DeviceInfo is the client fingerprint supplied by the caller. It is stored
// verbatim and never validated; presentation layers escape it.
type DeviceInfo struct {
	Name      string `json:"device_name"`
	Type      string `json:"device_type"`
	Browser   string `json:"browser"`
	OS        string `json:"os"`
	IPAddress string `json:"ip_address"`
}

func (d DeviceInfo) summary() string {
	return util.SanitizeInput(d.Name + " (" + d.Browser + ", " + d.OS + ")")
}

// TrustDevice registers a device for the account's trust window and returns
// its id. The oldest device is evicted beyond the registry limit.
func (g *Guard) TrustDevice(acct *models.TwoFactorAccount, info DeviceInfo) string {
	now := g.Now()
	days := acct.Settings.TrustDeviceDurationDays

	device := models.TrustedDevice{
		DeviceID:   g.newDeviceID(),
		DeviceName: info.Name,
		DeviceType: info.Type,
		Browser:    info.Browser,
		OS:         info.OS,
		IPAddress:  info.IPAddress,
		TrustedAt:  now,
		LastUsed:   now,
		ExpiresAt:  now.Add(time.Duration(days) * 24 * time.Hour),
	}
	acct.TrustedDevices = appendBounded(acct.TrustedDevices, device, g.policy.TrustedDeviceLimit)

	g.appendLogAt(acct, ActionDeviceTrusted, StatusSuccess,
		RequestMeta{IPAddress: util.SanitizeInput(info.IPAddress), DeviceInfo: info.summary()}, "device "+device.DeviceID, now)
	return device.DeviceID
}

// IsTrusted reports whether deviceID is registered and unexpired. A hit
// refreshes LastUsed only; the expiry never slides.
func (g *Guard) IsTrusted(acct *models.TwoFactorAccount, deviceID string) bool {
	now := g.Now()
	for i := range acct.TrustedDevices {
		d := &acct.TrustedDevices[i]
		if d.DeviceID != deviceID {
			continue
		}
		if now.After(d.ExpiresAt) {
			return false
		}
		d.LastUsed = now
		return true
	}
	return false
}

func (g *Guard) RevokeDevice(acct *models.TwoFactorAccount, deviceID string, meta RequestMeta) bool {
	for i, d := range acct.TrustedDevices {
		if d.DeviceID == deviceID {
			acct.TrustedDevices = append(acct.TrustedDevices[:i:i], acct.TrustedDevices[i+1:]...)
			g.AppendLog(acct, ActionDeviceRevoked, StatusSuccess, meta, "device "+deviceID)
			return true
		}
	}
	return false
}

// RevokeAllDevices clears the registry and returns how many were removed.
func (g *Guard) RevokeAllDevices(acct *models.TwoFactorAccount, meta RequestMeta) int {
	n := len(acct.TrustedDevices)
	acct.TrustedDevices = []models.TrustedDevice{}
	if n > 0 {
		g.AppendLog(acct, ActionDeviceRevoked, StatusSuccess, meta, "all devices")
	}
	return n
}

// ActiveDevices returns the unexpired devices, oldest first.
func (g *Guard) ActiveDevices(acct *models.TwoFactorAccount) []models.TrustedDevice {
	now := g.Now()
	out := make([]models.TrustedDevice, 0, len(acct.TrustedDevices))
	for _, d := range acct.TrustedDevices {
		if !now.After(d.ExpiresAt) {
			out = append(out, d)
		}
	}
	return out
}
