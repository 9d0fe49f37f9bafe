// Package cli implements the gatekeeper command line: the HTTP server (the
// root command), user provisioning and version reporting.
//
// Configuration precedence, highest first: flags, environment, config file,
// defaults. See package config for the keys.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gatekeeper.evalgo.org/common"
	"gatekeeper.evalgo.org/config"
	gkhttp "gatekeeper.evalgo.org/http"
	"gatekeeper.evalgo.org/version"
)

// cfgFile is the --config flag. Empty means search the standard locations.
var cfgFile string

// RootCmd starts the gatekeeper HTTP server.
//
//	gatekeeper --config /etc/gatekeeper/config.yaml
//	JWT_SECRET=... REDIS_URL=redis://localhost:6379/0 gatekeeper --port 8080
var RootCmd = &cobra.Command{
	Use:   "gatekeeper",
	Short: "token lifecycle service: login, refresh token rotation and logout",
	Long: `Gatekeeper issues short-lived access tokens and rotating refresh tokens.

Sessions, the refresh token registry, the revocation blacklist and login
metrics live in Redis (or a local bbolt file); users live in PostgreSQL (or
bbolt). Logins are rate limited per email and repeated failures raise
security alerts, optionally published to RabbitMQ.`,
	SilenceUsage: true,
	RunE:         runServer,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml, ./configs, $HOME/.gatekeeper, /etc/gatekeeper)")
	RootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")

	RootCmd.Flags().Int("port", 0, "HTTP server port")
	RootCmd.Flags().String("cache", "", "cache backend: redis or bolt")
	RootCmd.Flags().String("redis-url", "", "Redis connection URL")

	_ = viper.BindPFlag("logging.level", RootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("server.port", RootCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("cache.backend", RootCmd.Flags().Lookup("cache"))
	_ = viper.BindPFlag("cache.redis_url", RootCmd.Flags().Lookup("redis-url"))
}

// loadConfig reads the configuration through the global viper instance, so
// bound flags take precedence, and configures the shared logger from it.
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfigWithViper(viper.GetViper(), cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger := common.NewLogger(common.LoggerConfig{
		Level:   common.LogLevel(cfg.Logging.Level),
		Format:  cfg.Logging.Format,
		Service: cfg.Service.Name,
		Version: version.Get(),
	})
	common.Logger = logger
	if used := viper.ConfigFileUsed(); used != "" {
		logger.WithField("file", used).Info("using config file")
	}
	return cfg, logger, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.WithError(err).Error("shutdown: closing resources")
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go app.RunSweeper(ctx, cfg.Cache.SweepInterval)

	e := app.Echo()
	srvCfg := serverConfig(cfg)
	errCh := make(chan error, 1)
	go func() {
		errCh <- gkhttp.StartServer(e, srvCfg)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	return gkhttp.GracefulShutdown(e, srvCfg.ShutdownTimeout)
}

// Execute runs the root command with a background context.
func Execute() error {
	return RootCmd.ExecuteContext(context.Background())
}
