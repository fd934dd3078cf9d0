package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/G-Research/slurmbatch/internal/coordination"
	"github.com/G-Research/slurmbatch/internal/pseudoid"
)

func nextIdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next-id",
		Short: "Print a pseudo id no other caller has received",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, _, err := loadConfig(cmd)
			if err != nil {
				return fail(err, "invalid configuration")
			}
			store, err := coordination.New(config.State, config.State.CounterRoot)
			if err != nil {
				return fail(err, "cannot open pseudo id counter")
			}
			defer store.Close()

			id, err := pseudoid.NewAllocator(store, config.State.LockTimeout).Next(cmd.Context())
			if err != nil {
				return fail(err, "cannot allocate pseudo id")
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}
