// File: cmd/replay.go
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/slotwatch/internal/availability"
	"github.com/xkilldash9x/slotwatch/internal/browser"
	"github.com/xkilldash9x/slotwatch/internal/diagnostics"
	"github.com/xkilldash9x/slotwatch/internal/observability"
)

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <page.html>",
		Short: "Run the slot heuristics against a saved booking page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}

			markup, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read snapshot: %w", err)
			}
			abs, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			page, err := browser.NewSnapshotPage("file://"+filepath.ToSlash(abs), string(markup), browser.SnapshotHooks{})
			if err != nil {
				return fmt.Errorf("failed to parse snapshot: %w", err)
			}

			scanner := availability.NewScanner(cfg, nil, nil, nil, diagnostics.Nop{}, observability.GetLogger())
			result, err := scanner.Inspect(ctx, page)
			printResult(cmd.OutOrStdout(), result)
			return err
		},
	}
	cmd.Flags().Bool("day-gating", false, "only count slots whose context names a target day")
	return cmd
}
