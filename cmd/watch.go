package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bnema/ardysactl/internal/logger"
	"github.com/bnema/ardysactl/internal/patcher"
	"github.com/bnema/ardysactl/internal/ui/progress"
	"github.com/bnema/ardysactl/internal/watcher"
)

var watchAutoPatch bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the game files and report when a game update breaks the patch",
	Long: `Watch the patched game files. When a game update removes the patch a
notice is printed, or with --auto-patch the game is patched again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		w := watcher.New(a.svc, watcher.Options{PollInterval: a.cfg.PollInterval.Duration}, getLogger())
		defer w.Close()
		if err := w.Watch(a.target); err != nil {
			return err
		}

		progress.PrintStep(progress.StateInProgress, "Watching "+a.target.Root+" (ctrl+c to stop)")
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-w.Events():
				if !ok {
					return nil
				}
				progress.PrintWarning(fmt.Sprintf("%s: %s", ev.At.Local().Format("15:04:05"), ev.Reason))
				if !watchAutoPatch {
					progress.PrintDetail("Run `ardysactl patch` to restore the mods")
					continue
				}
				res, err := a.svc.Patch(ctx, ev.Target, patcher.Full, nil)
				if err != nil {
					logger.Error("Automatic patch failed", "error", err)
					progress.PrintError(err.Error())
					continue
				}
				progress.PrintComplete("Game patched again: " + res.String())
				w.Trigger(ev.Target)
			}
		}
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchAutoPatch, "auto-patch", false, "Patch the game again when the patch goes stale")
	rootCmd.AddCommand(watchCmd)
}
