package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/soaringjerry/Cotation/internal/middleware"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for a user id",
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, _ := cmd.Flags().GetString("uid")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if err := cfg.RequireSecret(); err != nil {
			return err
		}
		auth, err := middleware.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			return err
		}
		tok, err := auth.SignToken(uid, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("uid", "", "user id carried by the token")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("uid")
}
