package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"

	"github.com/bskracic/cpipe/config"
	"github.com/bskracic/cpipe/runner"
	"github.com/bskracic/cpipe/server"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline over HTTP and, if an address is set, gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a)
		},
	}

	flags := cmd.Flags()
	flags.String("http-addr", "", "HTTP listen address")
	flags.String("grpc-addr", "", "gRPC listen address, empty disables gRPC")
	flags.StringSlice("allow-origin", nil, "CORS allowed origins")
	flags.Bool("secure-cookie", false, "mark the session cookie Secure (HTTPS only)")
	bind(v, flags.Lookup("http-addr"), config.KeyHTTPAddr)
	bind(v, flags.Lookup("grpc-addr"), config.KeyGRPCAddr)
	bind(v, flags.Lookup("allow-origin"), config.KeyAllowOrigins)
	bind(v, flags.Lookup("secure-cookie"), config.KeySecureCookie)
	return cmd
}

// serve runs until ctx is done or a listener fails. Both front ends share
// one dispatcher, so runs never overlap.
func serve(ctx context.Context, a *app) error {
	d := runner.NewDispatcher(a.runner)
	defer d.Close()

	secret := []byte(a.cfg.HTTP.SessionSecret)
	if len(secret) == 0 {
		// sessions do not survive a restart without a configured secret
		secret = append(uuid.NewV4().Bytes(), uuid.NewV4().Bytes()...)
	}

	httpSrv := &http.Server{
		Addr: a.cfg.HTTP.Addr,
		Handler: server.NewHTTPHandler(d, server.HTTPOptions{
			AllowOrigins:  a.cfg.HTTP.AllowOrigins,
			SessionSecret: secret,
			SecureCookie:  a.cfg.HTTP.SecureCookie,
			Logger:        a.logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		a.logger.Info("http server starting", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var grpcSrv *grpc.Server
	if addr := a.cfg.GRPC.Addr; addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			_ = httpSrv.Close()
			return err
		}
		grpcSrv = server.NewGRPC(d, a.logger)
		go func() {
			a.logger.Info("grpc server starting", "addr", lis.Addr().String())
			if err := grpcSrv.Serve(lis); err != nil {
				errc <- err
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err = <-errc:
		a.logger.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	return err
}
