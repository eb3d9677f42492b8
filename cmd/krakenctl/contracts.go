package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/javiergcw/kraken-sas/pkg/domain"
	"github.com/javiergcw/kraken-sas/pkg/issuance"
	"github.com/javiergcw/kraken-sas/sdk/go/kraken"
)

func newContractsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "contracts",
		Aliases: []string{"ctr"},
		Short:   "Issue, sign and inspect contracts",
	}
	cmd.AddCommand(
		newIssueCmd(a),
		newContractListCmd(a),
		newContractGetCmd(a),
		newContractDeleteCmd(a),
		newSignCmd(a),
		newInvalidateCmd(a),
		newPDFCmd(a),
		newEventsCmd(a),
	)
	return cmd
}

// parseValues turns repeated key=value flags into field values.
func parseValues(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func newIssueCmd(a *app) *cobra.Command {
	var (
		in             issuance.Input
		relatedType    string
		sets           []string
		idempotencyKey string
		dryRun         bool
		location       string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Validate field values against the template and issue a contract",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseValues(sets)
			if err != nil {
				return err
			}
			in.Values = values
			rt, err := domain.ParseRelatedType(relatedType)
			if err != nil {
				return err
			}
			in.RelatedType = rt
			loc, err := time.LoadLocation(location)
			if err != nil {
				return fmt.Errorf("load location: %w", err)
			}

			c, err := a.newClient()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()

			svc := issuance.NewService(c, c, issuance.WithLocation(loc))
			req, err := svc.Prepare(ctx, in)
			if err != nil {
				return err
			}
			if dryRun {
				return a.printJSON(req)
			}
			out, err := c.IssueContract(ctx, req, idempotencyKey)
			if err != nil {
				return err
			}
			a.logger.Info("contract issued", zap.String("id", out.ID), zap.String("code", out.Code))
			return a.printJSON(out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.TemplateID, "template", "", "template id")
	f.StringVar(&in.SignerName, "signer-name", "", "signer full name")
	f.StringVar(&in.SignerEmail, "signer-email", "", "signer email")
	f.StringVar(&in.SKU, "sku", "", "contract sku (suggested from the template when empty)")
	f.StringVar(&in.Code, "code", "", "contract code (generated server-side when empty)")
	f.StringVar(&relatedType, "related-type", "", "RESERVATION, PRODUCT, VESSEL or RENT")
	f.StringVar(&in.RelatedID, "related-id", "", "related entity id")
	f.StringVar(&in.ExpiresAt, "expires-at", "", "expiry date (YYYY-MM-DD) or RFC 3339 timestamp")
	f.StringArrayVar(&sets, "set", nil, "field value as key=value (repeatable)")
	f.StringVar(&idempotencyKey, "idempotency-key", "", "replay-safe key for retries")
	f.BoolVar(&dryRun, "dry-run", false, "print the validated request without submitting")
	f.StringVar(&location, "location", "America/Bogota", "zone date-only expiry dates are closed in")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func newContractListCmd(a *app) *cobra.Command {
	var filter kraken.ContractFilter
	var status, relatedType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				st, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				filter.Status = st
			}
			rt, err := domain.ParseRelatedType(relatedType)
			if err != nil {
				return err
			}
			filter.RelatedType = rt
			c, err := a.newClient()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			list, err := c.ListContracts(ctx, filter)
			if err != nil {
				return err
			}
			return a.printJSON(list)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "lifecycle status filter")
	cmd.Flags().StringVar(&filter.TemplateID, "template", "", "template id filter")
	cmd.Flags().StringVar(&relatedType, "related-type", "", "related entity type filter")
	cmd.Flags().StringVar(&filter.RelatedID, "related-id", "", "related entity id filter")
	return cmd
}

func newContractGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.newClient()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			out, err := c.GetContract(ctx, args[0])
			if err != nil {
				return err
			}
			return a.printJSON(out)
		},
	}
}

func newContractDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.newClient()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			if err := c.DeleteContract(ctx, args[0]); err != nil {
				return err
			}
			return a.printJSON(map[string]any{"deleted": args[0]})
		},
	}
}

func newSignCmd(a *app) *cobra.Command {
	var (
		in            kraken.SignInput
		signatureFile string
		signingToken  string
	)
	cmd := &cobra.Command{
		Use:   "sign <id>",
		Short: "Sign a pending contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if signatureFile != "" {
				raw, err := os.ReadFile(signatureFile)
				if err != nil {
					return fmt.Errorf("read signature: %w", err)
				}
				in.SignatureImage = strings.TrimSpace(string(raw))
			}
			c, err := a.newClient()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			var out kraken.Contract
			if signingToken != "" {
				out, err = c.SignWithToken(ctx, args[0], signingToken, in)
			} else {
				out, err = c.SignContract(ctx, args[0], in)
			}
			if err != nil {
				return err
			}
			return a.printJSON(out)
		},
	}
	cmd.Flags().StringVar(&in.SignedByName, "name", "", "signer name")
	cmd.Flags().StringVar(&in.SignedByEmail, "email", "", "signer email")
	cmd.Flags().StringVar(&signatureFile, "signature-file", "", "file holding the signature image as a data URL")
	cmd.Flags().StringVar(&signingToken, "signing-token", "", "sign through the public route with this token")
	cmd.Flags().IntVar(&in.Version, "version", 0, "expected contract version")
	return cmd
}

func newInvalidateCmd(a *app) *cobra.Command {
	var in kraken.InvalidateInput
	cmd := &cobra.Command{
		Use:   "invalidate <id>",
		Short: "Cancel a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.newClient()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			out, err := c.InvalidateContract(ctx, args[0], in)
			if err != nil {
				return err
			}
			return a.printJSON(out)
		},
	}
	cmd.Flags().StringVar(&in.Reason, "reason", "", "cancellation reason")
	cmd.Flags().BoolVar(&in.InvalidateAllTokens, "all-tokens", false, "also revoke outstanding signing tokens")
	cmd.Flags().IntVar(&in.Version, "version", 0, "expected contract version")
	return cmd
}

func newPDFCmd(a *app) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "pdf <id>",
		Short: "Fetch the printable HTML document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.newClient()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			doc, err := c.ContractPDF(ctx, args[0])
			if err != nil {
				return err
			}
			if outPath == "" {
				_, err = fmt.Fprintln(a.out, doc)
				return err
			}
			if err := os.WriteFile(outPath, []byte(doc), 0o644); err != nil {
				return fmt.Errorf("write document: %w", err)
			}
			a.logger.Info("document written", zap.String("path", outPath), zap.Int("bytes", len(doc)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write to file instead of stdout")
	return cmd
}

func newEventsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "events <id>",
		Short: "Show the contract audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.newClient()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			list, err := c.ListEvents(ctx, args[0])
			if err != nil {
				return err
			}
			return a.printJSON(list)
		},
	}
}
