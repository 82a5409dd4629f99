package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var enableTimeout time.Duration

var enableCmd = &cobra.Command{
	Use:   "enable <wave>",
	Short: "Enable a wave and wait for its agents to re-register with the unified flag",
	Long: `enable marks the given wave active. The publish flag only changes on
restart, so after running this command restart the wave's agents with
unified_enabled = true; enable blocks until every member has
re-registered with the flag, then opens the monitoring window.`,
	Args: cobra.ExactArgs(1),
	RunE: runEnable,
}

func init() {
	enableCmd.Flags().DurationVar(&enableTimeout, "timeout", 10*time.Minute,
		"how long to wait for the wave to converge")
	rootCmd.AddCommand(enableCmd)
}

func runEnable(cmd *cobra.Command, args []string) error {
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

	if err := s.resumeBefore(n); err != nil {
		return err
	}
	if err := s.ctrl.EnableWave(n); err != nil {
		return err
	}
	cyan.Printf("→ wave %d (%s) enabled: %d agents\n", n, spec.Name, len(spec.Agents))
	fmt.Println("  restart its agents with unified_enabled = true; waiting for re-registration...")

	if err := s.ctrl.AwaitWaveConverged(ctx, true, enableTimeout); err != nil {
		return err
	}

	green.Printf("✓ wave %d converged, monitoring window open\n", n)
	fmt.Printf("  run 'rolloutctl monitor %d' after %s to evaluate\n",
		n, s.ctrl.Thresholds().MonitoringWindow)
	return nil
}
