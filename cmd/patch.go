package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bnema/ardysactl/internal/patcher"
	"github.com/bnema/ardysactl/internal/ui/progress"
)

var patchQuick bool

var patchCmd = &cobra.Command{
	Use:   "patch",
	Short: "Patch the game files to load the mod archive",
	Long: `Apply the game patch. Run this after a game update.

A full patch edits every patch point and records the game version. A quick
patch only restores the signatures entry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		mode := patcher.Full
		if patchQuick {
			mode = patcher.Quick
		}

		res, err := a.svc.Patch(ctx, a.target, mode, stepPrinter())
		if err != nil {
			progress.PrintError(err.Error())
			return err
		}
		switch {
		case res == patcher.AlreadyPatched:
			progress.PrintComplete("Game files already patched")
		case mode == patcher.Quick:
			progress.PrintComplete("Quick patch applied")
		default:
			progress.PrintComplete("Full patch applied")
		}
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the game files from the newest backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		restored, err := a.svc.Restore(cmd.Context(), a.target)
		if err != nil {
			progress.PrintError(err.Error())
			return err
		}
		if len(restored) == 0 {
			progress.PrintWarning("No backups to restore")
			return nil
		}
		for _, p := range restored {
			progress.PrintComplete("Restored " + a.target.Rel(p))
		}
		return nil
	},
}

func init() {
	patchCmd.Flags().BoolVarP(&patchQuick, "quick", "q", false, "Only restore the signatures entry")
	rootCmd.AddCommand(patchCmd)
	rootCmd.AddCommand(restoreCmd)
}
