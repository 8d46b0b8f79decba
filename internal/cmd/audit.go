package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/arbiterhealth/arbiter/internal/audit"
	"github.com/arbiterhealth/arbiter/internal/config"
)

var (
	auditFormat string
	auditOutput string
)

var auditCmd = &cobra.Command{
	Use:   "audit <case-number>",
	Short: "Export the audit trail for a case",
	Long: `Audit prints the chronological, HMAC-signed audit entries recorded for a
case. Use --format csv for spreadsheet-friendly output and --output to write
to a file instead of stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditFormat, "format", "json", "export format (json, csv)")
	auditCmd.Flags().StringVar(&auditOutput, "output", "", "write to file instead of stdout")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "audit")
	defer span.End()

	caseNumber := args[0]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	logger, err := audit.NewLogger(cfg.AuditDBPath(), cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer logger.Close()

	entries, err := logger.ForCase(ctx, caseNumber)
	if err != nil {
		return fmt.Errorf("loading audit entries: %w", err)
	}

	var out io.Writer = os.Stdout
	if auditOutput != "" {
		f, err := os.Create(auditOutput)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	switch auditFormat {
	case "json":
		return audit.ExportJSON(out, entries)
	case "csv":
		return audit.ExportCSV(out, entries)
	default:
		return fmt.Errorf("unknown format %q (expected json or csv)", auditFormat)
	}
}
