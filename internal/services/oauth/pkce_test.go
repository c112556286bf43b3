package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateState(t *testing.T) {
	state, err := GenerateState()
	require.NoError(t, err)

	decoded, err := base64.RawURLEncoding.DecodeString(state)
	require.NoError(t, err)
	assert.Len(t, decoded, 32)

	other, err := GenerateState()
	require.NoError(t, err)
	assert.NotEqual(t, state, other)
}

func TestGenerateVerifier(t *testing.T) {
	verifier, err := GenerateVerifier()
	require.NoError(t, err)

	decoded, err := base64.RawURLEncoding.DecodeString(verifier)
	require.NoError(t, err)
	assert.Len(t, decoded, 64)
}

func TestChallengeS256(t *testing.T) {
	verifier := "test-verifier"
	digest := sha256.Sum256([]byte(verifier))
	want := base64.RawURLEncoding.EncodeToString(digest[:])

	challenge := ChallengeS256(verifier)
	assert.Equal(t, want, challenge)
	assert.False(t, strings.ContainsAny(challenge, "+/="), "challenge must be unpadded url-safe")
}

func TestTokenRequestErrorCode(t *testing.T) {
	withStatus := &TokenRequestError{StatusCode: 401}
	assert.Equal(t, "x_oauth_token_request_failed:401", withStatus.Error())

	network := &TokenRequestError{}
	assert.Equal(t, "x_oauth_token_request_network_error", network.Error())
}
