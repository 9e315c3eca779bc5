package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bnema/ardysactl/internal/install"
	"github.com/bnema/ardysactl/internal/ui/progress"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage downloaded assets",
}

var cacheRefreshCmd = &cobra.Command{
	Use:   "refresh [url...]",
	Short: "Revalidate cached assets and download the stale ones",
	Long: `Revalidate cached assets against the CDN. Without arguments the base
package is refreshed. Assets that are not cached are ignored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(appOptions{noTarget: true})
		if err != nil {
			return err
		}
		defer a.close()

		urls := args
		if len(urls) == 0 {
			urls = []string{a.cfg.BasePackagePath}
		}
		n, err := a.cache.RefreshStale(cmd.Context(), urls)
		progress.PrintComplete(fmt.Sprintf("Refreshed %d of %d assets", n, len(urls)))
		return err
	},
}

var cachePreloadCmd = &cobra.Command{
	Use:   "preload <sources.toml>",
	Short: "Download the assets of a source list ahead of an install",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := install.LoadSources(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(appOptions{noTarget: true})
		if err != nil {
			return err
		}
		defer a.close()

		var urls []string
		for _, s := range sources {
			if len(s.URLs) > 0 {
				urls = append(urls, s.URLs[0])
			}
		}

		n, err := a.cache.Preload(cmd.Context(), urls, func(current, total int, id string) {
			progress.PrintStep(progress.StateComplete, progress.FormatCount(current, total)+" "+id)
		})
		progress.PrintComplete(fmt.Sprintf("Downloaded %d of %d assets", n, len(urls)))
		return err
	},
}

func init() {
	cacheCmd.AddCommand(cacheRefreshCmd)
	cacheCmd.AddCommand(cachePreloadCmd)
	rootCmd.AddCommand(cacheCmd)
}
