package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lowaak/smart-trainer/heart-beat/internal/workout"
)

func newPlansCmd() *cobra.Command {
	plans := &cobra.Command{Use: "plans", Short: "Workout plans"}

	plans.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the built-in plans",
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, plan := range workout.BuiltinPlans() {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d phases\t%s\n", plan.Name, len(plan.Phases), plan.TotalDuration())
			}
			return nil
		},
	})

	plans.AddCommand(&cobra.Command{
		Use:   "show <name|file>",
		Short: "Print a plan as YAML, the layout accepted by run --plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := workout.ResolvePlan(args[0])
			if err != nil {
				return err
			}
			data, err := workout.MarshalPlan(plan)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return plans
}
