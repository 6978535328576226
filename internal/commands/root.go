// Package commands implements the receiptctl CLI: capture or pick a receipt, submit it,
// follow extraction and reconcile the extracted fields.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/receipts-reconcile/internal/common"
)

// globals are the persistent flags shared by every subcommand.
type globals struct {
	profilePath string
	apiURL      string
	token       string
	storePath   string
	logLevel    string
	output      string

	cfg    *common.Config
	logger *slog.Logger
}

// NewRootCommand creates the root CLI command with all subcommands registered.
func NewRootCommand() *cobra.Command {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:   "receiptctl",
		Short: "Submit receipts and reconcile their extracted fields",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.load(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&g.profilePath, "profile", DefaultProfilePath(), "YAML profile")
	flags.StringVar(&g.apiURL, "api-url", "", "receipts API base URL (RECEIPTS_API_URL)")
	flags.StringVar(&g.token, "token", "", "bearer token (RECEIPTS_TOKEN)")
	flags.StringVar(&g.storePath, "store", "", "local SQLite store (RECEIPTS_STORE)")
	flags.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error")
	flags.StringVarP(&g.output, "output", "o", "text", "text or json")

	rootCmd.AddCommand(
		newSubmitCommand(g),
		newPurchaserSubmitCommand(g),
		newCaptureCommand(g),
		newWatchCommand(g),
		newStatusCommand(g),
		newReviewCommand(g),
	)
	return rootCmd
}

// Execute runs the CLI with ctx; it is what main calls.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}

// load resolves configuration in order: environment, profile, flags.
func (g *globals) load(cmd *cobra.Command) error {
	cfg := common.LoadConfig()
	p, err := LoadProfile(g.profilePath)
	if err != nil {
		return err
	}
	p.Apply(cfg)

	flags := cmd.Flags()
	if flags.Changed("api-url") {
		cfg.Client.BaseURL = g.apiURL
	}
	if flags.Changed("token") {
		cfg.Client.Token = g.token
	}
	if flags.Changed("store") {
		cfg.Client.StorePath = g.storePath
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	switch g.output {
	case "text", "json":
	default:
		return fmt.Errorf("--output must be text or json, got %q", g.output)
	}
	if err := cfg.ValidateClient(); err != nil {
		return err
	}

	g.cfg = cfg
	g.logger = common.NewLogger(cfg.Log, cmd.ErrOrStderr())
	return nil
}
