package cli

import (
	"fmt"
	"io"

	"fieldsync/internal/domain"

	"github.com/spf13/cobra"
)

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the local queue and open conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Store.Close()

			status, err := a.Transfer.Status(cmd.Context())
			if err != nil {
				return err
			}
			return newPrinter(rootOpts, cmd.OutOrStdout()).print(status, func(w io.Writer) error {
				return printStatus(w, status)
			})
		},
	}
}

func printStatus(w io.Writer, s *domain.NodeStatus) error {
	fmt.Fprintf(w, "node:      %s (%s)\n", s.NodeID, s.Role)
	fmt.Fprintf(w, "upstream:  %t\n", s.UpstreamEnabled)
	fmt.Fprintf(w, "conflicts: %d open\n", s.OpenConflicts)
	fmt.Fprintln(w, "queue:")
	for _, state := range []domain.QueueState{
		domain.QueuePending, domain.QueueInTransit, domain.QueueSynced, domain.QueueConflicted, domain.QueueFailed,
	} {
		if _, err := fmt.Fprintf(w, "  %-11s %d\n", state, s.Queue[state]); err != nil {
			return err
		}
	}
	return nil
}
