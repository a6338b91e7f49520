package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const operatorActor = "operator"

func newBreakerCmd(backend func() *Backend) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "List, trip and reset a user's circuit breakers",
	}
	cmd.PersistentFlags().StringVar(&userID, "user", "", "user id that owns the breakers (required)")
	_ = cmd.MarkPersistentFlagRequired("user")

	list := &cobra.Command{
		Use:   "list",
		Short: "List breakers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bs, err := backend().Breakers.ListBreakers(cmd.Context(), userID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), bs)
		},
	}

	var reason string
	trip := &cobra.Command{
		Use:   "trip <breaker-id>",
		Short: "Trip one breaker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := backend().Breakers.TripBreaker(cmd.Context(), userID, args[0], operatorActor, reason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	trip.Flags().StringVar(&reason, "reason", "", "why the breaker is being tripped")

	reset := &cobra.Command{
		Use:   "reset <breaker-id>",
		Short: "Reset one breaker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := backend().Breakers.ResetBreaker(cmd.Context(), userID, args[0], operatorActor)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	var stopReason string
	stop := &cobra.Command{
		Use:   "emergency-stop",
		Short: "Trip the user's global kill switch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := backend().Breakers.EmergencyStop(cmd.Context(), userID, stopReason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	stop.Flags().StringVar(&stopReason, "reason", "", "why the stop was issued")

	seed := &cobra.Command{
		Use:   "init-defaults",
		Short: "Create the default breakers if missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bs, err := backend().Breakers.InitializeDefaults(cmd.Context(), userID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d breakers\n", len(bs))
			return err
		},
	}

	cmd.AddCommand(list, trip, reset, stop, seed)
	return cmd
}
