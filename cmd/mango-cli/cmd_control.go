package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vrsandeep/mango-archiver/internal/control"
)

// Each control command drops a signal file that the process running the
// task picks up.
func newControlCmd(command, short string) *cobra.Command {
	return &cobra.Command{
		Use:   command + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := control.WriteSignal(cfg.Signals.Path, args[0], command); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to task %s\n", command, args[0])
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(
		newControlCmd(control.CommandPause, "Pause a download"),
		newControlCmd(control.CommandResume, "Resume a paused download"),
		newControlCmd(control.CommandSkip, "Skip the failing page or chapter of a paused download"),
		newControlCmd(control.CommandCancel, "Cancel a download"),
	)
}
