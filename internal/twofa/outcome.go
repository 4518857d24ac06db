package twofa

import (
	"fmt"
	"time"
)

// Status is the user-facing result of a verification or redemption.
type Status int

const (
	StatusVerified Status = iota + 1
	StatusNoActiveChallenge
	StatusExpired
	StatusAttemptsExhausted
	StatusInvalid
	StatusAccountLocked
	StatusRedeemed
	StatusInvalidOrUsed
)

var statusNames = map[Status]string{
	StatusVerified:          "verified",
	StatusNoActiveChallenge: "no_active_challenge",
	StatusExpired:           "expired",
	StatusAttemptsExhausted: "attempts_exhausted",
	StatusInvalid:           "invalid",
	StatusAccountLocked:     "account_locked",
	StatusRedeemed:          "redeemed",
	StatusInvalidOrUsed:     "invalid_or_used",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for k, v := range statusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", string(b))
}

// Outcome is returned by every verification. AttemptsRemaining is only set
// for StatusInvalid and LockedUntil only for StatusAccountLocked.
type Outcome struct {
	Status            Status     `json:"status"`
	AttemptsRemaining int        `json:"attempts_remaining,omitempty"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
}

// OK reports whether the outcome grants access.
func (o Outcome) OK() bool {
	return o.Status == StatusVerified || o.Status == StatusRedeemed
}

func outcome(s Status) Outcome {
	return Outcome{Status: s}
}

func invalid(remaining int) Outcome {
	return Outcome{Status: StatusInvalid, AttemptsRemaining: remaining}
}

func locked(until time.Time) Outcome {
	u := until
	return Outcome{Status: StatusAccountLocked, LockedUntil: &u}
}

func (o Outcome) describe() string {
	switch o.Status {
	case StatusInvalid:
		return fmt.Sprintf("invalid code, %d attempts remaining", o.AttemptsRemaining)
	case StatusAccountLocked:
		if o.LockedUntil != nil {
			return "account locked until " + o.LockedUntil.Format(time.RFC3339)
		}
		return "account locked"
	case StatusNoActiveChallenge:
		return "no active challenge"
	case StatusExpired:
		return "challenge expired"
	case StatusAttemptsExhausted:
		return "challenge attempts exhausted"
	}
	return o.Status.String()
}
