package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/agentfleet/relay/bus"
	"github.com/agentfleet/relay/fleet"
	"github.com/agentfleet/relay/rollout"
)

var (
	natsURL        string
	bucketName     string
	planPath       string
	thresholdsPath string
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

var rootCmd = &cobra.Command{
	Use:   "rolloutctl",
	Short: "Drive the dual-pattern subject migration wave by wave",
	Long: `rolloutctl coordinates the fleet's migration from name-keyed to
reference-keyed subjects. Agents flip their publish flag only on
restart; rolloutctl observes convergence through fleet re-registration,
aggregates telemetry over a monitoring window, and renders a go/no-go
verdict against the configured thresholds.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the CLI.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	err := rootCmd.Execute()
	if err != nil {
		red.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats-url", nats.DefaultURL, "NATS server URL")
	rootCmd.PersistentFlags().StringVar(&bucketName, "bucket", "agent-fleet", "fleet registry KV bucket")
	rootCmd.PersistentFlags().StringVar(&planPath, "plan", "rollout.toml", "rollout plan file")
	rootCmd.PersistentFlags().StringVar(&thresholdsPath, "thresholds", "", "thresholds file (defaults apply when empty)")
}

// session bundles everything a subcommand needs against a live fleet.
type session struct {
	mb       *bus.NATSBus
	registry *fleet.NATSRegistry
	monitor  *rollout.Monitor
	ctrl     *rollout.Controller
	plan     rollout.Plan
}

// connect opens the bus, registry, and monitor, loads the plan and
// thresholds, and resumes the controller from registry state.
func connect(ctx context.Context) (*session, error) {
	plan, err := rollout.LoadPlan(planPath)
	if err != nil {
		return nil, err
	}

	thresholds := rollout.DefaultThresholds()
	if thresholdsPath != "" {
		thresholds, err = rollout.LoadThresholds(thresholdsPath)
		if err != nil {
			return nil, err
		}
	}

	cfg := bus.DefaultNATSConfig()
	cfg.URL = natsURL
	cfg.Name = "rolloutctl"
	mb, err := bus.NewNATSBus(cfg)
	if err != nil {
		return nil, err
	}

	registry, err := fleet.NewNATSRegistry(mb.Conn(), fleet.NATSRegistryConfig{
		BucketName: bucketName,
	})
	if err != nil {
		mb.Close()
		return nil, err
	}

	monitor, err := rollout.NewMonitor(rollout.MonitorConfig{Bus: mb})
	if err != nil {
		mb.Close()
		return nil, err
	}
	if err := monitor.Start(ctx); err != nil {
		mb.Close()
		return nil, err
	}

	ctrl, err := rollout.NewController(rollout.ControllerConfig{
		Plan:       plan,
		Thresholds: thresholds,
		Registry:   registry,
		Monitor:    monitor,
	})
	if err != nil {
		monitor.Stop()
		mb.Close()
		return nil, err
	}
	return &session{mb: mb, registry: registry, monitor: monitor, ctrl: ctrl, plan: plan}, nil
}

// resumeBefore fast-forwards the controller through the waves below n,
// leaving wave n itself pending for the command to act on.
func (s *session) resumeBefore(n int) error {
	return s.ctrl.Resume(n)
}

func (s *session) close() {
	s.monitor.Stop()
	s.registry.Close()
	s.mb.Close()
}

func parseWaveArg(s *session, arg string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(arg, "%d", &n); err != nil {
		return 0, fmt.Errorf("wave must be a number, got %q", arg)
	}
	if n < 0 || n >= s.plan.Len() {
		return 0, fmt.Errorf("wave %d out of range, plan has %d waves", n, s.plan.Len())
	}
	return n, nil
}
