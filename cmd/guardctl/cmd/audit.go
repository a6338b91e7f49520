package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbd888/discard/internal/audit"
)

func newAuditCmd(backend func() *Backend) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log maintenance",
	}

	anchor := &cobra.Command{
		Use:   "anchor",
		Short: "Anchor the next batch of audit events into a Merkle root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := backend().Anchorer.AnchorPending(cmd.Context())
			if errors.Is(err, audit.ErrEmptyBatch) {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "nothing to anchor")
				return err
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), a)
		},
	}

	cmd.AddCommand(anchor)
	return cmd
}
