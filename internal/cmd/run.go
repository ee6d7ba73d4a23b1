package cmd

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/helvethink/tag-deployer/pkg/config"
	"github.com/helvethink/tag-deployer/pkg/controller"
)

// Run starts the webhook server.
func Run(cliCtx *cli.Context) (int, error) {
	cfg, err := configure(cliCtx)
	if err != nil {
		return 1, err
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	c, err := controller.New(ctx, cfg, cliCtx.App.Version)
	if err != nil {
		return 1, err
	}

	onShutdown := make(chan os.Signal, 1)
	signal.Notify(onShutdown, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)

	srv, err := newServer(ctx, c, cfg.Server)
	if err != nil {
		return 1, err
	}

	go func() {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			log.WithContext(ctx).
				WithError(err).
				Fatal()
		}
	}()

	log.WithFields(
		log.Fields{
			"listen-address":               cfg.Server.ListenAddress,
			"tls-enabled":                  srv.TLSConfig != nil,
			"pprof-endpoint-enabled":       cfg.Server.EnablePprof,
			"metrics-endpoint-enabled":     cfg.Server.Metrics.Enabled,
			"openmetrics-encoding-enabled": cfg.Server.Metrics.EnableOpenmetricsEncoding,
			"controller-uuid":              c.UUID,
			"version":                      c.Version,
		},
	).Info("http server started")

	<-onShutdown

	log.Info("received signal, attempting to gracefully exit..")

	for repository, lease := range c.RunningDeploys(ctx) {
		log.WithFields(log.Fields{
			"repository": repository,
			"tag":        lease.Tag,
			"deploy-id":  lease.DeployID,
		}).Warn("deploy still running while stopping")
	}

	ctxCancel()

	httpServerContext, forceHTTPServerShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer forceHTTPServerShutdown()

	if err := srv.Shutdown(httpServerContext); err != nil {
		return 1, err
	}

	if err := c.TaskController.Factory.Close(); err != nil {
		log.WithError(err).Warn("closing the deploys queue")
	}

	log.Info("stopped!")

	return 0, nil
}

// newServer builds the HTTP server and its routes.
func newServer(ctx context.Context, c *controller.Controller, cfg config.Server) (*http.Server, error) {
	mux := http.NewServeMux()
	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.TLS.Enabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "loading tls certificate")
		}

		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	mux.Handle("/deploy", otelhttp.NewHandler(http.HandlerFunc(c.DeployHandler), "/deploy"))

	health := c.HealthCheckHandler(ctx)
	mux.HandleFunc("/health/live", health.LiveEndpoint)
	mux.HandleFunc("/health/ready", health.ReadyEndpoint)

	if cfg.Metrics.Enabled {
		mux.HandleFunc("/metrics", c.MetricsHandler)
	}

	if cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return srv, nil
}
