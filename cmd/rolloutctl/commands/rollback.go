package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <wave>",
	Short: "Revert a wave to legacy-only publishing and verify it went quiet",
	Long: `rollback reverts the given wave. Restart its agents with
unified_enabled = false; rollback waits for every member to re-register
without the flag, then verifies the reference-keyed publish counters
have flattened.`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := connect(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	n, err := parseWaveArg(s, args[0])
	if err != nil {
		return err
	}
	spec, err := s.plan.Wave(n)
	if err != nil {
		return err
	}

	// Walk the fresh controller to the wave being reverted. No forward
	// convergence check: rollback must work precisely when the wave
	// never converged (crash loops, half-applied flags).
	if err := s.resumeBefore(n); err != nil {
		return err
	}
	if err := s.ctrl.EnableWave(n); err != nil {
		return err
	}

	yellow.Printf("⚠ rolling back wave %d (%s)\n", n, spec.Name)
	fmt.Println("  restart its agents with unified_enabled = false...")

	deadline := s.ctrl.Thresholds().MaxRollbackTime.Duration
	rctx, cancel := context.WithTimeout(ctx, deadline+time.Minute)
	defer cancel()

	if err := s.ctrl.Rollback(rctx); err != nil {
		return err
	}

	green.Printf("✓ wave %d rolled back within %s, unified traffic flat\n", n, deadline)
	return nil
}
