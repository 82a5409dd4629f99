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

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-wave registration and flag state",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := connect(context.Background())
	if err != nil {
		return err
	}
	defer s.close()

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("WAVE", "AGENT", "ID", "UNIFIED", "STATUS", "LAST SEEN")

	for n, spec := range s.plan.Waves {
		for _, id := range spec.Agents {
			row := []string{fmt.Sprintf("%d (%s)", n, spec.Name)}
			entry, err := s.registry.Get(id)
			if err != nil {
				row = append(row, "-", id.String(), "-", "unregistered", "-")
			} else {
				row = append(row,
					entry.Ref.Name().String(),
					id.String(),
					flagCell(entry.UnifiedEnabled),
					string(entry.Status),
					entry.LastSeen.Format(time.RFC3339),
				)
			}
			if err := table.Append(row); err != nil {
				return err
			}
		}
	}

	if err := table.Render(); err != nil {
		return err
	}

	if err := s.ctrl.Resume(s.plan.Len()); err != nil {
		return err
	}
	st := s.ctrl.State()
	fmt.Println()
	switch st.Phase {
	case rollout.PhaseProceed:
		green.Printf("waves 0..%d migrated\n", st.Wave)
	case rollout.PhaseNotStarted:
		yellow.Println("no wave migrated yet")
	default:
		cyan.Printf("phase %s, wave %d\n", st.Phase, st.Wave)
	}
	return nil
}

func flagCell(unified bool) string {
	if unified {
		return green.Sprint("unified")
	}
	return yellow.Sprint("legacy")
}
