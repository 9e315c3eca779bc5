package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bnema/ardysactl/internal/install"
	"github.com/bnema/ardysactl/internal/ui/progress"
)

var manualInstallCmd = &cobra.Command{
	Use:   "manual-install <archive.vpk>",
	Short: "Install a prebuilt archive as is",
	Long: `Validate a prebuilt mod archive, install it into the game and patch the
game files. The file is rejected before anything is touched if it is not a
valid archive.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		if _, err := a.svc.ManualInstall(ctx, a.target, args[0], stepPrinter()); err != nil {
			progress.PrintError(err.Error())
			return err
		}
		progress.PrintComplete("Archive installed and game patched")
		return nil
	},
}

// stepPrinter prints each stage of an operation once
func stepPrinter() install.Progress {
	last := install.Stage(-1)
	return func(e install.Event) {
		if e.Stage == last || e.Done {
			return
		}
		last = e.Stage
		progress.PrintStep(progress.StateInProgress, e.Stage.String())
	}
}

func init() {
	rootCmd.AddCommand(manualInstallCmd)
}
