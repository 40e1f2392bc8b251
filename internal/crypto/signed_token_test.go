package crypto

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestTokenSignerRoundTrip(t *testing.T) {
	signer := NewTokenSigner([]byte("test-signing-key-test-signing-key"), time.Minute)

	token, err := signer.Sign(testPayload{Name: "alpha", Count: 7})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	var decoded testPayload
	require.NoError(t, signer.Verify(token, &decoded))
	assert.Equal(t, "alpha", decoded.Name)
	assert.Equal(t, 7, decoded.Count)
}

func TestTokenSignerRejectsTampering(t *testing.T) {
	signer := NewTokenSigner([]byte("test-signing-key-test-signing-key"), time.Minute)

	token, err := signer.Sign(testPayload{Name: "alpha"})
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"flipped signature", token[:len(token)-2] + "xx"},
		{"missing signature", strings.Split(token, ".")[0]},
		{"garbage", "not-a-token"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var decoded testPayload
			assert.Error(t, signer.Verify(tt.token, &decoded))
		})
	}
}

func TestTokenSignerRejectsWrongKey(t *testing.T) {
	signer := NewTokenSigner([]byte("test-signing-key-test-signing-key"), time.Minute)
	other := NewTokenSigner([]byte("other-signing-key-other-signing-k"), time.Minute)

	token, err := signer.Sign(testPayload{Name: "alpha"})
	require.NoError(t, err)

	var decoded testPayload
	assert.Error(t, other.Verify(token, &decoded))
}

func TestTokenSignerRejectsExpired(t *testing.T) {
	signer := NewTokenSigner([]byte("test-signing-key-test-signing-key"), -time.Second)

	token, err := signer.Sign(testPayload{Name: "alpha"})
	require.NoError(t, err)

	var decoded testPayload
	err = signer.Verify(token, &decoded)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestTokenSignerZeroTTLNeverExpires(t *testing.T) {
	signer := NewTokenSigner([]byte("test-signing-key-test-signing-key"), 0)

	token, err := signer.Sign(testPayload{Name: "alpha"})
	require.NoError(t, err)

	var decoded testPayload
	assert.NoError(t, signer.Verify(token, &decoded))
}

func TestGenerateUserCodeFormat(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		code, err := GenerateUserCode()
		require.NoError(t, err)
		require.Len(t, code, 9)
		assert.Equal(t, byte('-'), code[4])

		for i, c := range code {
			if i == 4 {
				continue
			}
			assert.Contains(t, userCodeAlphabet, string(c))
		}
		seen[code] = true
	}
	// 100 draws from a 27^8 space should not collide.
	assert.Greater(t, len(seen), 95)
}

func TestGenerateSecureTokenUnique(t *testing.T) {
	a, err := GenerateSecureToken()
	require.NoError(t, err)
	b, err := GenerateSecureToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}
