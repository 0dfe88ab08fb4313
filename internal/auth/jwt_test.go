package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	tokens, err := Issue("reader-1", "lab-1", "presence-engine", "secret", time.Minute, time.Hour)
	require.NoError(t, err)

	claims, err := Parse(tokens.AccessToken, "secret", "presence-engine")
	require.NoError(t, err)
	require.Equal(t, "reader-1", claims.Subject)
	require.Equal(t, "lab-1", claims.RoomID)
	require.Equal(t, "device", claims.Role)
}

func TestParseRejectsWrongKey(t *testing.T) {
	tokens, err := Issue("reader-1", "lab-1", "presence-engine", "secret", time.Minute, time.Hour)
	require.NoError(t, err)

	_, err = Parse(tokens.AccessToken, "other-secret", "presence-engine")
	require.Error(t, err)
}

func TestParseRejectsWrongIssuer(t *testing.T) {
	tokens, err := Issue("reader-1", "lab-1", "someone-else", "secret", time.Minute, time.Hour)
	require.NoError(t, err)

	_, err = Parse(tokens.AccessToken, "secret", "presence-engine")
	require.Error(t, err)
}

func TestParseRejectsExpired(t *testing.T) {
	tokens, err := Issue("reader-1", "lab-1", "presence-engine", "secret", -time.Minute, time.Hour)
	require.NoError(t, err)

	_, err = Parse(tokens.AccessToken, "secret", "presence-engine")
	require.Error(t, err)
}
