package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/auditledger/internal/auth"
)

func TestToken(t *testing.T) {
	const secret = "cli-test-secret-at-least-32-bytes!"
	t.Setenv("JWT_SECRET", secret)
	t.Setenv("STORAGE_DRIVER", "memory")
	jwtService := auth.NewJWTService(secret)

	t.Run("service token", func(t *testing.T) {
		out, err := execute(&RootOptions{}, "token", "--service", "billing", "--scope", "ledger:write,ledger:read")
		require.NoError(t, err)

		claims, err := jwtService.ValidateToken(strings.TrimSpace(out))
		require.NoError(t, err)
		assert.Equal(t, "billing", claims.Subject)
		assert.Equal(t, auth.ActorService, claims.ActorType)
		assert.True(t, claims.HasScope(auth.ScopeWrite))
		assert.False(t, claims.HasScope(auth.ScopeAdmin))
	})

	t.Run("user token", func(t *testing.T) {
		out, err := execute(&RootOptions{}, "token", "--service", "console", "--user", "auditor-1")
		require.NoError(t, err)

		claims, err := jwtService.ValidateToken(strings.TrimSpace(out))
		require.NoError(t, err)
		assert.Equal(t, "auditor-1", claims.Subject)
		assert.Equal(t, "console", claims.Service)
		assert.Equal(t, auth.ActorUser, claims.ActorType)
		assert.True(t, claims.HasScope(auth.ScopeRead))
	})

	t.Run("unknown scope", func(t *testing.T) {
		_, err := execute(&RootOptions{}, "token", "--service", "billing", "--scope", "ledger:everything")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}

func TestToken_MissingSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("STORAGE_DRIVER", "memory")

	_, err := execute(&RootOptions{}, "token", "--service", "billing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}
