package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/onnwee/auditledger/internal/auth"
)

var knownScopes = []string{auth.ScopeWrite, auth.ScopeRead, auth.ScopeAdmin}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		service string
		userID  string
		scopes  []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token signed with JWT_SECRET",
		Long: `Issue a bearer token for the ledger API. Without --user the token is a
service token whose subject is the service; with --user it is a short-lived user
token issued on behalf of the service.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range scopes {
				if !slices.Contains(knownScopes, s) {
					return NewExitError(ExitCommandError, fmt.Sprintf("unknown scope %q", s))
				}
			}
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return NewExitError(ExitCommandError, "JWT_SECRET is not configured")
			}

			// Tokens are always signed with the current secret.
			jwtService := auth.NewJWTService(cfg.JWTSecret)
			expiry := auth.ServiceTokenExpiry
			var token string
			if userID != "" {
				token, err = jwtService.GenerateUserToken(userID, service, scopes...)
				expiry = auth.UserTokenExpiry
			} else {
				token, err = jwtService.GenerateServiceToken(service, scopes...)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to issue token", err)
			}

			data := map[string]any{
				"token":              token,
				"expires_in_seconds": int(expiry.Seconds()),
				"scopes":             scopes,
			}
			return rootOpts.formatter(cmd).Success(data, token)
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "calling service (required)")
	cmd.Flags().StringVar(&userID, "user", "", "issue a user token for this user id")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeRead}, "granted scopes")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}
