package cmd

import (
	"github.com/spf13/cobra"

	"github.com/bnema/ardysactl/internal/ui/progress"
)

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Remove the mod archive and restore the game files",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		if _, err := a.svc.Disable(cmd.Context(), a.target); err != nil {
			progress.PrintError(err.Error())
			return err
		}
		progress.PrintComplete("Mods disabled")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(disableCmd)
}
