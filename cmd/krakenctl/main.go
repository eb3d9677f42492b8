package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/javiergcw/kraken-sas/sdk/go/kraken"
)

type app struct {
	baseURL   string
	token     string
	tokenFile string
	verbose   bool
	timeout   time.Duration

	out    io.Writer
	logger *zap.Logger
	// newClient is swapped in tests.
	newClient func() (*kraken.Client, error)
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "krakenctl:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out, logger: zap.NewNop()}
	a.newClient = a.client

	root := &cobra.Command{
		Use:           "krakenctl",
		Short:         "Manage contract templates and issued contracts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config := zap.NewProductionConfig()
			config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
			if a.verbose {
				config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			config.OutputPaths = []string{"stderr"}
			logger, err := config.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.logger.Sync()
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVar(&a.baseURL, "base-url", envOr("KRAKEN_BASE_URL", "http://localhost:8080"), "API base URL (or KRAKEN_BASE_URL)")
	flags.StringVar(&a.token, "token", "", "bearer token (or KRAKEN_TOKEN)")
	flags.StringVar(&a.tokenFile, "token-file", "", "token file (default ~/.kraken/token)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	flags.DurationVar(&a.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(newTemplatesCmd(a), newContractsCmd(a), newTokenCmd(a))
	return root
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (a *app) tokenStore() (kraken.FileToken, error) {
	path := a.tokenFile
	if path == "" {
		var err error
		path, err = kraken.DefaultTokenPath()
		if err != nil {
			return kraken.FileToken{}, err
		}
	}
	return kraken.FileToken{Path: path}, nil
}

// client resolves the token from --token, KRAKEN_TOKEN, then the token file.
func (a *app) client() (*kraken.Client, error) {
	file, err := a.tokenStore()
	if err != nil {
		return nil, err
	}
	tokens := kraken.FirstToken{kraken.StaticToken(a.token), kraken.EnvToken("KRAKEN_TOKEN"), file}
	a.logger.Debug("api client", zap.String("base_url", a.baseURL), zap.String("token_file", file.Path))
	return kraken.NewClient(a.baseURL, tokens), nil
}

func (a *app) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, a.timeout)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
