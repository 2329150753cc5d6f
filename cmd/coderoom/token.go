package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/coderoom/internal/auth"
	"github.com/MarcoPoloResearchLab/coderoom/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var errSigningSecretRequired = errors.New("issue-token requires a signing secret")

// newIssueTokenCommand mints an identity token the server will verify.
func newIssueTokenCommand() *cobra.Command {
	var (
		userID   string
		username string
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Sign an identity token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if appConfig.AdvisoryAuth() {
				return errSigningSecretRequired
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.TokenIssuer,
				Audience:      appConfig.TokenAudience,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), userID, username)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %s\n", time.Duration(expiresIn)*time.Second)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "Subject of the token")
	cmd.Flags().StringVar(&username, "username", "", "Display name carried in the token")
	cmd.MarkFlagRequired("user-id") //nolint:errcheck
	return cmd
}
