package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/agentfleet/relay/rollout"
)

var monitorProceed bool

var monitorCmd = &cobra.Command{
	Use:   "monitor <wave>",
	Short: "Watch an enabled wave over the monitoring window and render a verdict",
	Long: `monitor aggregates the wave's telemetry over the configured window,
counts registry churn, and checks the result against the thresholds.
With --proceed, a passing wave is marked complete so the next wave can
be enabled.`,
	Args: cobra.ExactArgs(1),
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().BoolVar(&monitorProceed, "proceed", false,
		"mark the wave complete when the verdict is go")
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
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

	// The wave's agents should already be converged from 'enable'; this
	// re-walks the state machine in a fresh process.
	if err := s.resumeBefore(n); err != nil {
		return err
	}
	if err := s.ctrl.EnableWave(n); err != nil {
		return err
	}
	if err := s.ctrl.AwaitWaveConverged(ctx, true, 30*time.Second); err != nil {
		return err
	}

	// Feed registry churn into the controller while the window runs.
	events, err := s.registry.Watch()
	if err != nil {
		return err
	}
	stopWatch := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.ctrl.NoteRegistryEvent(ev)
			case <-stopWatch:
				return
			}
		}
	}()
	defer close(stopWatch)

	window := s.ctrl.Thresholds().MonitoringWindow.Duration
	cyan.Printf("→ monitoring wave %d (%s) for %s\n", n, spec.Name, window)
	time.Sleep(window)

	verdict, err := s.ctrl.Evaluate()
	if err != nil {
		return err
	}
	printVerdict(n, verdict)

	if !verdict.Go {
		return fmt.Errorf("wave %d did not pass", n)
	}
	if monitorProceed {
		if err := s.ctrl.Proceed(); err != nil {
			return err
		}
		green.Printf("✓ wave %d complete\n", n)
	}
	return nil
}

func printVerdict(wave int, v rollout.Verdict) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("METRIC", "VALUE")
	rows := [][]string{
		{"agents reporting", fmt.Sprintf("%d", v.Stats.Reporting)},
		{"agents missing", fmt.Sprintf("%d", len(v.Stats.Missing))},
		{"dual publish attempts", fmt.Sprintf("%d", v.Stats.Aggregate.DualAttempts())},
		{"dual success rate", fmt.Sprintf("%.4f", v.Stats.DualSuccessRate())},
		{"error rate", fmt.Sprintf("%.4f", v.Stats.ErrorRate())},
		{"p99 latency", fmt.Sprintf("%.0fms", v.Stats.P99LatencyMS())},
	}
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return
		}
	}
	if err := table.Render(); err != nil {
		return
	}

	fmt.Println()
	if v.Go {
		green.Printf("✓ wave %d verdict: GO\n", wave)
		return
	}
	red.Printf("✗ wave %d verdict: NO-GO\n", wave)
	for _, reason := range v.Reasons {
		yellow.Printf("  - %s\n", reason)
	}
}
