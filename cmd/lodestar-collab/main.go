package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lodestarhq/lodestar/backend/internal/auth"
	"github.com/lodestarhq/lodestar/backend/internal/config"
	"github.com/lodestarhq/lodestar/backend/internal/database"
	"github.com/lodestarhq/lodestar/backend/internal/logging"
	"github.com/lodestarhq/lodestar/backend/internal/presence"
	"github.com/lodestarhq/lodestar/backend/internal/server"
	"github.com/lodestarhq/lodestar/backend/internal/workspace"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lodestar-collab",
		Short: "Lodestar realtime collaboration backend",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("auth-audience", defaults.GetString("auth.audience"), "Expected token audience")
	cmd.PersistentFlags().String("auth-jwks-url", defaults.GetString("auth.jwks_url"), "Identity provider JWKS URL")
	cmd.PersistentFlags().StringSlice("auth-issuers", defaults.GetStringSlice("auth.issuers"), "Allowed token issuers")
	cmd.PersistentFlags().Int("compaction-interval-seconds", defaults.GetInt("compaction.interval_seconds"), "Compaction scheduler interval in seconds")
	cmd.PersistentFlags().Int("retention-keep-days", defaults.GetInt("retention.keep_days"), "Default retention window for update pruning")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.audience", "auth-audience")
	bindFlag(cmd, "auth.jwks_url", "auth-jwks-url")
	bindFlag(cmd, "auth.issuers", "auth-issuers")
	bindFlag(cmd, "compaction.interval_seconds", "compaction-interval-seconds")
	bindFlag(cmd, "retention.keep_days", "retention-keep-days")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	verifier, err := auth.NewIdentityVerifier(auth.IdentityVerifierConfig{
		Audience:       appConfig.AuthAudience,
		JWKSURL:        appConfig.AuthJWKSURL,
		AllowedIssuers: appConfig.AuthIssuers,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	updateStore, err := workspace.NewUpdateStore(workspace.UpdateStoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	snapshotStore, err := workspace.NewSnapshotStore(workspace.SnapshotStoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	stateCache, err := workspace.NewStateCache(workspace.StateCacheConfig{
		Updates:   updateStore,
		Snapshots: snapshotStore,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	updateWriter, err := workspace.NewUpdateWriter(workspace.UpdateWriterConfig{
		Updates:     updateStore,
		Cache:       stateCache,
		MailboxSize: appConfig.MailboxSize,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer updateWriter.Close()

	compactor, err := workspace.NewCompactor(workspace.CompactorConfig{
		Cache:           stateCache,
		Snapshots:       snapshotStore,
		Interval:        appConfig.CompactionInterval,
		UpdateThreshold: appConfig.UpdateThreshold,
		MaxSnapshotAge:  appConfig.MaxSnapshotAge,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	broadcaster := presence.NewBroadcaster(time.Now)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:      verifier,
		Updates:       updateStore,
		Snapshots:     snapshotStore,
		Cache:         stateCache,
		Writer:        updateWriter,
		Broadcaster:   broadcaster,
		Compactor:     compactor,
		PruneKeepDays: appConfig.PruneKeepDays,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go compactor.Run(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
