package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/viamerun/internal/observability"
	"github.com/3leaps/viamerun/internal/server"
	"github.com/3leaps/viamerun/internal/server/handlers"
	"github.com/3leaps/viamerun/pkg/jobs"
	"github.com/3leaps/viamerun/pkg/platform"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the job API over HTTP",
	Long: `Serve health probes, version information and the /api/v1 job API.

Jobs started through the API stream their updates to WebSocket clients
on /api/v1/jobs/updates. Stopping the server does not stop running jobs.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen address (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	svc, err := newServices()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot load configuration", err)
	}
	cfg := svc.cfg

	host, port := cfg.Server.Host, cfg.Server.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}

	logger, err := observability.NewLogger(appIdentity.BinaryName, cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	handlers.SetVersionInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("signals", signalHealthChecker{})
	hm.RegisterChecker("identity", identityHealthChecker{
		binaryName: appIdentity.BinaryName,
		envPrefix:  appIdentity.EnvPrefix,
		configName: appIdentity.ConfigName,
	})
	hm.RegisterChecker("viame", viameHealthChecker{platform: svc.platform, viamePath: cfg.Viame.Path})

	api := &handlers.API{
		Toolkit:    svc.backend,
		Dispatcher: svc.dispatcher(),
		Jobs:       svc.jobs,
		Hub:        handlers.NewHub(logger),
		Logger:     logger,
		ReadOnly:   cfg.ReadOnly,
	}
	srv := server.New(host, port,
		server.WithLogger(logger),
		server.WithAPI(api),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("viamerun serving",
		zap.String("host", host),
		zap.Int("port", port),
		zap.String("platform", svc.platform.Name()),
		zap.String("viame_path", cfg.Viame.Path),
		zap.String("data_path", cfg.Data.Path))

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", zap.Error(err))
			return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
		}
		return nil
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Shutdown did not complete", zap.Error(err))
		return exitError(foundry.ExitSignalInt, "Shutdown did not complete", err)
	}
	if active := api.Hub.Active(); len(active) > 0 {
		logger.Warn("Jobs still running after shutdown", zap.Int("count", len(active)))
	}
	return nil
}

// signalHealthChecker reports healthy while the process can take signals.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}

// viameHealthChecker fails while the install's setup script is absent.
type viameHealthChecker struct {
	platform  platform.Platform
	viamePath string
}

func (c viameHealthChecker) CheckHealth(context.Context) error {
	if c.viamePath == "" {
		return errors.New("viame path not configured")
	}
	script := c.platform.SetupScript(c.viamePath)
	if err := jobs.CheckPrerequisites([]jobs.Prerequisite{{Path: script, Err: jobs.ErrSetupScriptMissing}}); err != nil {
		return fmt.Errorf("viame install at %s: %w", c.viamePath, err)
	}
	return nil
}
