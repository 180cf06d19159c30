package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/lectern/internal/auth"
	"github.com/MarcoPoloResearchLab/lectern/internal/config"
	"github.com/MarcoPoloResearchLab/lectern/internal/livesync"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed classroom access token",
		Long: "Print a signed classroom access token for --subject with --role. " +
			"Without --document the token grants every document.",
		RunE: func(cmd *cobra.Command, args []string) error {
			relayConfig, err := config.LoadRelay(viper.GetViper())
			if err != nil {
				return err
			}
			role, ok := livesync.ParseRole(viper.GetString("session.role"))
			if !ok {
				return fmt.Errorf("role must be assistant or student")
			}
			if strings.TrimSpace(subject) == "" {
				return fmt.Errorf("--subject is required")
			}

			issuer, err := newTokenIssuer(relayConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), auth.ClassroomClaims{
				Subject:    subject,
				Role:       role,
				DocumentID: viper.GetString("session.document_id"),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %s\n", time.Duration(expiresIn)*time.Second)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (user id)")
	return cmd
}
