// File: cmd/check.go
package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/slotwatch/internal/availability"
	"github.com/xkilldash9x/slotwatch/internal/observability"
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Log in, scan the booking page once and print what was found (never sends mail)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			if err := cfg.ValidateCredentials(false); err != nil {
				return err
			}
			logger := observability.GetLogger()
			logConfiguration(logger, cfg)

			c, err := buildComponents(ctx, cfg, nil, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := c.provider.Close(); err != nil {
					logger.Warn("Failed to release browser.", zap.Error(err))
				}
			}()

			if _, err := c.sessions.Login(ctx); err != nil {
				return err
			}
			result, err := c.scanner.Scan(ctx)
			printResult(cmd.OutOrStdout(), result)
			return err
		},
	}
	cmd.Flags().Bool("day-gating", false, "only count slots whose context names a target day")
	cmd.Flags().Bool("headless", true, "run Chrome without a window")
	return cmd
}

func printResult(w io.Writer, r availability.ScanResult) {
	status := "no target slots"
	switch {
	case r.Degraded:
		status = "scan failed"
	case r.HasAvailability:
		status = fmt.Sprintf("%d slot(s) available", r.SlotCount())
	}
	fmt.Fprintf(w, "%s: %s\n", r.URL, status)
	fmt.Fprintf(w, "  days:  %s\n", joinOrDash(r.MatchedDays))
	fmt.Fprintf(w, "  times: %s\n", joinOrDash(r.MatchedTimes))
	for i, c := range r.Candidates {
		fmt.Fprintf(w, "  %d. [%s] %s\n", i+1, c.Label(), strings.Join(strings.Fields(c.Context), " "))
	}
}

func joinOrDash(s []string) string {
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ", ")
}
