package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"fieldsync/pkg/hash"

	"github.com/spf13/cobra"
)

func NewHashSecretCommand(rootOpts *RootOptions) *cobra.Command {
	var nodeID string
	cmd := &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Hash a node secret for the hub's node credentials",
		Long: `Hash a node secret with bcrypt. The secret is read from the argument
or, when absent, from the first line of stdin. With --node the output is a
ready NODE_CREDENTIALS entry.

Example:
  echo "$EDGE_SECRET" | fieldsync hash-secret --node edge-7`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			hashed, err := hash.Hash(secret)
			if err != nil {
				return err
			}

			out := struct {
				NodeID string `json:"node_id,omitempty"`
				Hash   string `json:"hash"`
			}{NodeID: nodeID, Hash: hashed}
			return newPrinter(rootOpts, cmd.OutOrStdout()).print(out, func(w io.Writer) error {
				if nodeID != "" {
					_, err := fmt.Fprintf(w, "%s:%s\n", nodeID, hashed)
					return err
				}
				_, err := fmt.Fprintln(w, hashed)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&nodeID, "node", "", "node id to prefix the hash with")
	return cmd
}

func readSecret(args []string, in io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return "", WrapExitError(ExitCommandError, "no secret given", nil)
	}
	return secret, nil
}
