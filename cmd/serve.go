package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/realtime-ai/nodeplayer/pkg/server"
)

func NewServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve <uri>",
		Short: "Play a source to WebRTC peers that POST an offer to /session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = cfg.Server.Addr
			}
			hub := server.NewEventHub(logger)
			defer hub.Close()

			srv := server.NewWebRTCServer(server.Options{
				Logger:   logger,
				Source:   args[0],
				STUNURLs: cfg.Server.STUNURLs,
				Stages:   stageOptions(nil),
				Player:   cfg.PlayerOptions(),
				Hub:      hub,
			})
			defer srv.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.ListenAndServe(ctx, addr, srv.Handler(), logger)
			})

			color.New(color.Bold).Printf("serving %s on %s\n", args[0], color.CyanString(addr))
			err := g.Wait()
			logger.Info("server stopped", zap.Int("sessions", srv.Sessions()))
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	return cmd
}
