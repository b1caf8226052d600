package secrets

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	dErrors "bastion/pkg/domain-errors"
)

// RecoveryCodeLength is the number of random bytes backing one recovery code.
// 10 bytes encode to 16 base32 characters, rendered as two 8-char groups.
const RecoveryCodeLength = 10

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateRecoveryCode creates one single-use recovery code of the form
// "XXXXXXXX-XXXXXXXX". Codes are shown to the user exactly once at enrollment;
// only their bcrypt hashes are stored.
func GenerateRecoveryCode() (string, error) {
	buf := make([]byte, RecoveryCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "could not generate recovery code")
	}
	raw := codeEncoding.EncodeToString(buf)
	return fmt.Sprintf("%s-%s", raw[:8], raw[8:]), nil
}

// GenerateRecoveryCodes creates n recovery codes.
func GenerateRecoveryCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		code, err := GenerateRecoveryCode()
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// Normalize canonicalizes user input before hashing or comparison: trims
// whitespace, uppercases, and strips the display hyphen.
func Normalize(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.ReplaceAll(code, "-", "")
}

// Hash creates a bcrypt hash of the provided secret.
// Use this to securely store recovery codes for later verification.
func Hash(secret string) (string, error) {
	if secret == "" {
		return "", dErrors.New(dErrors.CodeValidation, "secret cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", dErrors.New(dErrors.CodeValidation, "secret is too long")
		}
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "could not hash secret")
	}
	return string(hashed), nil
}

// Verify checks if a plaintext secret matches a bcrypt hash.
func Verify(secret, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return dErrors.New(dErrors.CodeUnauthorized, "invalid secret")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "could not verify secret")
	}
	return nil
}
