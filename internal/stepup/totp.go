package stepup

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// totpOpts are the validation parameters for time-based one-time codes:
// 6 digits, 30-second steps, ±1 step of clock-skew tolerance.
var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// validateTOTP checks a one-time code against the enrolled secret at the
// given instant. Time is injected for deterministic testing.
func validateTOTP(code, secret string, now time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, now, totpOpts)
	return err == nil && ok
}
