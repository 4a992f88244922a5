package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"tileproxy/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the public sources over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		reg, err := InitRegistry(ctx, configPath)
		if err != nil {
			return err
		}
		addr := conf.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}

		srv := &http.Server{
			Addr: addr,
			Handler: server.New(reg, server.NewMetrics(), log, server.Options{
				Timeout: time.Duration(conf.Server.Timeout) * time.Second,
			}).Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		SafeExitInst.Register(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			log.Infof("server on %s stopped", addr)
		})

		log.Infof("%s %s listening on %s", conf.App.Title, conf.App.Version, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address, overrides server.addr")
}
