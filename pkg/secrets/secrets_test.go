package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "bastion/pkg/domain-errors"
)

func TestGenerateRecoveryCode_Format(t *testing.T) {
	code, err := GenerateRecoveryCode()
	require.NoError(t, err)

	parts := strings.Split(code, "-")
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], 8)
	assert.Len(t, parts[1], 8)
}

func TestGenerateRecoveryCodes_Unique(t *testing.T) {
	codes, err := GenerateRecoveryCodes(10)
	require.NoError(t, err)
	require.Len(t, codes, 10)

	seen := make(map[string]bool)
	for _, code := range codes {
		assert.False(t, seen[code], "duplicate recovery code generated")
		seen[code] = true
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "ABCD1234EFGH5678", Normalize("  abcd1234-efgh5678 "))
	assert.Equal(t, "ABCD1234EFGH5678", Normalize("ABCD1234EFGH5678"))
}

func TestHashAndVerify(t *testing.T) {
	hash, err := Hash("ABCD1234EFGH5678")
	require.NoError(t, err)
	require.NotEqual(t, "ABCD1234EFGH5678", hash)

	assert.NoError(t, Verify("ABCD1234EFGH5678", hash))

	err = Verify("WRONG000WRONG000", hash)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestHash_EmptySecret(t *testing.T) {
	_, err := Hash("")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}
