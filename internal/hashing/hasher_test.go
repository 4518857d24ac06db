package hashing

import (
	"strings"
	"testing"

	"twofa-service/internal/config"

	"github.com/stretchr/testify/require"
)

func testConfig(peppers string) config.HashingConfig {
	return config.HashingConfig{
		Argon2MemoryCost:  1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
		Peppers:           peppers,
	}
}

func TestHashAndVerifyOTP(t *testing.T) {
	h, err := NewHasher(testConfig("1:pepper-one"))
	require.NoError(t, err)

	encoded, err := h.HashOTP("123456")
	require.NoError(t, err)
	require.NotContains(t, encoded, "123456")
	require.True(t, strings.HasPrefix(encoded, "argon2id-v1$"))

	ok, err := h.VerifyOTP("123456", encoded)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.VerifyOTP("654321", encoded)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSameCodeHashesDifferently(t *testing.T) {
	h, err := NewHasher(testConfig("1:pepper-one"))
	require.NoError(t, err)

	a, err := h.HashOTP("000111")
	require.NoError(t, err)
	b, err := h.HashOTP("000111")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestPurposeSeparation(t *testing.T) {
	h, err := NewHasher(testConfig("1:pepper-one"))
	require.NoError(t, err)

	encoded, err := h.HashBackupCode("ABCDE12345")
	require.NoError(t, err)

	ok, err := h.VerifyOTP("ABCDE12345", encoded)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = h.VerifyBackupCode("ABCDE12345", encoded)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestOldPepperStillVerifies(t *testing.T) {
	h, err := NewHasher(testConfig("1:old"))
	require.NoError(t, err)
	encoded, err := h.HashOTP("424242")
	require.NoError(t, err)

	h.AddPepper(2, "new")
	require.Equal(t, 2, h.CurrentPepperVersion())

	ok, err := h.VerifyOTP("424242", encoded)
	require.NoError(t, err)
	require.True(t, ok)

	fresh, err := h.HashOTP("424242")
	require.NoError(t, err)
	parsed, err := ParseHashResult(fresh)
	require.NoError(t, err)
	require.Equal(t, 2, parsed.PepperVersion)
}

func TestUnknownPepperVersion(t *testing.T) {
	a, err := NewHasher(testConfig("7:seven"))
	require.NoError(t, err)
	encoded, err := a.HashOTP("111111")
	require.NoError(t, err)

	b, err := NewHasher(testConfig("1:one"))
	require.NoError(t, err)
	_, err = b.VerifyOTP("111111", encoded)
	require.ErrorIs(t, err, ErrUnknownPepper)
}

func TestParseHashResultRejectsGarbage(t *testing.T) {
	_, err := ParseHashResult("plaintext")
	require.ErrorIs(t, err, ErrInvalidHash)

	_, err = ParseHashResult("bcrypt$m=1,t=1,p=1$1$c2FsdA$aGFzaA")
	require.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestInvalidPepperConfig(t *testing.T) {
	_, err := NewHasher(testConfig("nope"))
	require.Error(t, err)

	_, err = NewHasher(testConfig("0:zero"))
	require.Error(t, err)
}
