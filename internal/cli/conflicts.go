package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"fieldsync/internal/domain"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
)

func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Review and resolve conflicts",
	}
	cmd.AddCommand(newConflictsListCommand(rootOpts))
	cmd.AddCommand(newConflictsShowCommand(rootOpts))
	cmd.AddCommand(newConflictsResolveCommand(rootOpts))
	return cmd
}

func newConflictsListCommand(rootOpts *RootOptions) *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Store.Close()

			conflicts, err := a.Conflicts.ListOpen(cmd.Context(), scope)
			if err != nil {
				return err
			}
			return newPrinter(rootOpts, cmd.OutOrStdout()).print(conflicts, func(w io.Writer) error {
				return printConflictList(w, conflicts)
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "only conflicts of this event")
	return cmd
}

func newConflictsShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <conflict-id>",
		Short: "Show both sides of a conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Store.Close()

			c, err := a.Conflicts.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return newPrinter(rootOpts, cmd.OutOrStdout()).print(c, func(w io.Writer) error {
				return printConflict(w, c)
			})
		},
	}
}

type resolveOptions struct {
	choice      string
	resolvedBy  string
	payloadFile string
}

func newConflictsResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &resolveOptions{}
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a conflict",
		Long: `Resolve a conflict by keeping the stored version (pick_left), the
incoming version (pick_right) or a payload written by the operator
(merged_payload, read from --payload).

Example:
  fieldsync conflicts resolve 5f0c... --choice pick_left --by "duty officer"
  fieldsync conflicts resolve 5f0c... --choice merged_payload --payload fixed.json --by ops`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request()
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Store.Close()

			c, err := a.Conflicts.Resolve(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return newPrinter(rootOpts, cmd.OutOrStdout()).print(c, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "resolved %s: %s wins at revision %d\n",
					c.ID, c.Resolution.WinnerID, c.Resolution.Revision)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&opts.choice, "choice", "", "pick_left, pick_right or merged_payload")
	cmd.Flags().StringVar(&opts.resolvedBy, "by", "", "operator recorded in the audit trail")
	cmd.Flags().StringVar(&opts.payloadFile, "payload", "", "JSON payload file for merged_payload")
	_ = cmd.MarkFlagRequired("choice")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func (o *resolveOptions) request() (*domain.ConflictResolutionRequest, error) {
	req := &domain.ConflictResolutionRequest{
		Choice:     domain.ResolutionChoice(o.choice),
		ResolvedBy: o.resolvedBy,
	}
	if o.payloadFile != "" {
		data, err := os.ReadFile(o.payloadFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("payload file %s is not valid JSON", o.payloadFile)
		}
		req.Payload = data
	}
	if err := validator.New().Struct(req); err != nil {
		return nil, fmt.Errorf("invalid resolution: %w", err)
	}
	return req, nil
}

func printConflictList(w io.Writer, conflicts []*domain.Conflict) error {
	if len(conflicts) == 0 {
		_, err := fmt.Fprintln(w, "no open conflicts")
		return err
	}
	for _, c := range conflicts {
		left, right, err := c.Sides()
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s  %-11s  %s  %s <> %s\n",
			c.ID, c.Kind, c.DetectedAt.Format("2006-01-02 15:04:05"), left.GlobalID, right.GlobalID); err != nil {
			return err
		}
	}
	return nil
}

func printConflict(w io.Writer, c *domain.Conflict) error {
	left, right, err := c.Sides()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "conflict %s (%s, %s)\n", c.ID, c.Kind, c.Status)
	fmt.Fprintf(w, "scope:    %s\n", c.Scope)
	fmt.Fprintf(w, "detected: %s by %s\n", c.DetectedAt.Format("2006-01-02 15:04:05"), c.DetectedBy)
	if c.Fingerprint != nil {
		fmt.Fprintf(w, "reason:   %s\n", c.Fingerprint.Reason)
	}
	for _, side := range []struct {
		name string
		rec  *domain.Record
	}{{"left", left}, {"right", right}} {
		fmt.Fprintf(w, "%s: %s rev %d from %s\n  %s\n",
			side.name, side.rec.GlobalID, side.rec.Revision, side.rec.OriginNode, side.rec.Payload)
	}
	if c.Resolution != nil {
		fmt.Fprintf(w, "resolved: %s by %s, %s wins\n", c.Resolution.Choice, c.Resolution.ResolvedBy, c.Resolution.WinnerID)
	}
	return nil
}
