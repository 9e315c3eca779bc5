package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/bnema/ardysactl/internal/api"
	"github.com/bnema/ardysactl/internal/watcher"
)

var (
	serveAddr   string
	serveNoAuth bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the engine over HTTP for a local frontend",
	Long: `Start a local HTTP API with a websocket event stream. Running
operations are cancelled on shutdown and given the configured grace period
to stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		if !verbose {
			gin.SetMode(gin.ReleaseMode)
		}

		w := watcher.New(a.svc, watcher.Options{PollInterval: a.cfg.PollInterval.Duration}, getLogger())
		defer w.Close()
		if err := w.Watch(a.target); err != nil {
			return err
		}

		srv := api.New(a.svc, a.target, w, getLogger())
		if !serveNoAuth {
			auth, err := api.NewAuth(nil)
			if err != nil {
				return err
			}
			token, err := auth.GenerateToken("frontend")
			if err != nil {
				return err
			}
			srv.RequireAuth(auth)
			fmt.Printf("API token: %s\n", token)
		}

		return srv.Run(ctx, serveAddr, a.cfg.ShutdownGrace.Duration)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:7777", "Listen address")
	serveCmd.Flags().BoolVar(&serveNoAuth, "no-auth", false, "Accept requests without a token")
	rootCmd.AddCommand(serveCmd)
}
