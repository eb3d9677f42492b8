package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/javiergcw/kraken-sas/pkg/authn"
)

func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint and store API bearer tokens",
	}

	var (
		p      authn.Principal
		secret string
		issuer string
		ttl    time.Duration
		save   bool
	)
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint an HS256 token for a tenant user (development only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = strings.TrimSpace(os.Getenv("KRAKEN_JWT_SECRET"))
			}
			v, err := authn.NewVerifier(secret, issuer)
			if err != nil {
				return err
			}
			tok, err := v.Mint(p, ttl)
			if err != nil {
				return err
			}
			if save {
				store, err := a.tokenStore()
				if err != nil {
					return err
				}
				if err := store.Save(tok); err != nil {
					return err
				}
				a.logger.Info("token saved", zap.String("path", store.Path), zap.String("tenant_id", p.TenantID))
			}
			_, err = fmt.Fprintln(a.out, tok)
			return err
		},
	}
	mint.Flags().StringVar(&p.TenantID, "tenant", "", "tenant id")
	mint.Flags().StringVar(&p.UserID, "user", "", "user id (sub claim)")
	mint.Flags().StringVar(&p.Email, "email", "", "user email")
	mint.Flags().StringVar(&p.Role, "role", "admin", "user role")
	mint.Flags().StringVar(&secret, "secret", "", "signing secret (or KRAKEN_JWT_SECRET)")
	mint.Flags().StringVar(&issuer, "issuer", "", "iss claim")
	mint.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	mint.Flags().BoolVar(&save, "save", false, "store the token in the token file")
	_ = mint.MarkFlagRequired("tenant")
	_ = mint.MarkFlagRequired("user")
	cmd.AddCommand(mint)

	cmd.AddCommand(&cobra.Command{
		Use:   "set <token>",
		Short: "Store an existing token in the token file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.tokenStore()
			if err != nil {
				return err
			}
			return store.Save(args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove the token file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.tokenStore()
			if err != nil {
				return err
			}
			return store.Clear()
		},
	})
	return cmd
}
