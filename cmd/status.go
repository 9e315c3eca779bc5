package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/bnema/ardysactl/internal/install"
	"github.com/bnema/ardysactl/internal/logger"
	"github.com/bnema/ardysactl/internal/ui/progress"
)

var (
	statusJSON  bool
	statusCheck bool
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"st"},
	Short:   "Show the install and patch state of the game",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		info := a.svc.DetailedStatus(cmd.Context(), a.target)

		var newer, local bool
		if statusCheck {
			newer, local, err = a.svc.CheckForNewerPackage(cmd.Context(), a.target)
			if err != nil {
				logger.Warn("Cannot check for a newer base package", "error", err)
			}
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				install.StatusInfo
				Target       string `json:"target"`
				RequiredFile bool   `json:"required_file_present"`
				NewerPackage bool   `json:"newer_package,omitempty"`
			}{info, a.target.Root, a.svc.IsRequiredFilePresent(a.target), newer})
		}

		progress.PrintTitle("Game: " + a.target.Root)
		progress.PrintStatus(info)
		if !a.svc.IsRequiredFilePresent(a.target) {
			progress.PrintWarning("The game signatures file is missing, verify the game files in Steam")
		}
		if statusCheck && newer {
			if local {
				progress.PrintWarning("A newer base package is available")
			} else {
				progress.PrintWarning("The base package is not downloaded yet")
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the status as JSON")
	statusCmd.Flags().BoolVar(&statusCheck, "check-updates", false, "Check the CDN for a newer base package")
	rootCmd.AddCommand(statusCmd)
}
