package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-ai/cadenza/internal/auth"
)

func TestIssueAndValidateToken(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, exp, err := mgr.IssueToken("user-1", auth.RoleOperator)
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, auth.RoleOperator, claims.Role)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", -time.Minute)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken("user-1", auth.RoleViewer)
	require.NoError(t, err)

	_, err = mgr.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateRejectsForeignKey(t *testing.T) {
	issuerMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	otherMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := issuerMgr.IssueToken("user-1", auth.RoleOperator)
	require.NoError(t, err)

	_, err = otherMgr.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateRejectsGarbage(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	_, err = mgr.ValidateToken("not-a-jwt")
	require.Error(t, err)
}

func TestCredentialHashRoundTrip(t *testing.T) {
	encoded, err := auth.HashCredential("cz_live_abc123")
	require.NoError(t, err)

	ok, err := auth.VerifyCredential("cz_live_abc123", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = auth.VerifyCredential("cz_live_wrong", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCredentialHashSalted(t *testing.T) {
	a, err := auth.HashCredential("same")
	require.NoError(t, err)
	b, err := auth.HashCredential("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	_, err := auth.VerifyCredential("x", "no-dollar-sign")
	require.Error(t, err)
}
