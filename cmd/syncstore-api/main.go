package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/syncstore/internal/auth"
	"github.com/MarcoPoloResearchLab/syncstore/internal/config"
	"github.com/MarcoPoloResearchLab/syncstore/internal/database"
	"github.com/MarcoPoloResearchLab/syncstore/internal/ics"
	"github.com/MarcoPoloResearchLab/syncstore/internal/logging"
	"github.com/MarcoPoloResearchLab/syncstore/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "syncstore-api",
		Short: "Syncstore incremental synchronization service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	maintenanceCmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Run one maintenance sweep over the change logs and exit",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaintenance(cmd.Context())
		},
	}
	rootCmd.AddCommand(maintenanceCmd)

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
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Log file path (empty logs to stderr)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("instance-guid", "", "Stable server identity GUID used in change keys")
	cmd.PersistentFlags().Int("retention-days", defaults.GetInt("sync.retention_days"), "Days an idle subscription survives")
	cmd.PersistentFlags().Int("maintenance-interval-minutes", defaults.GetInt("maintenance.interval_minutes"), "Minutes between maintenance sweeps (0 disables)")
	cmd.PersistentFlags().Bool("log-all-changes", defaults.GetBool("sync.log_all_changes"), "Log message changes even under folders nobody synchronizes")
	cmd.PersistentFlags().Bool("strict-hierarchy", defaults.GetBool("sync.strict_hierarchy"), "Fail hierarchy queries on invisible subtrees instead of skipping them")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "instance.guid", "instance-guid")
	bindFlag(cmd, "sync.retention_days", "retention-days")
	bindFlag(cmd, "maintenance.interval_minutes", "maintenance-interval-minutes")
	bindFlag(cmd, "sync.log_all_changes", "log-all-changes")
	bindFlag(cmd, "sync.strict_hierarchy", "strict-hierarchy")
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

	logger, err := logging.NewFileLogger(appConfig.LogLevel, appConfig.LogFile)
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

	tokenManager := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
	})

	bus := ics.NewEventBus()
	syncService, err := ics.NewService(ics.ServiceConfig{
		Database:                  db,
		Clock:                     time.Now,
		InstanceGUID:              appConfig.InstanceGUID,
		Logger:                    logger,
		Bus:                       bus,
		LogAllChanges:             appConfig.LogAllChanges,
		StrictHierarchyVisibility: appConfig.StrictHierarchy,
		SyncRetention:             appConfig.SyncRetention,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		SyncService:  syncService,
		Bus:          bus,
		Logger:       logger,
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

	if appConfig.MaintenanceInterval > 0 {
		go runMaintenanceLoop(signalCtx, syncService, logger, appConfig.MaintenanceInterval)
	}

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

func runMaintenanceLoop(ctx context.Context, syncService *ics.Service, logger *zap.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := syncService.RunMaintenance(ctx)
			if err != nil {
				logger.Error("maintenance sweep failed", zap.Error(err))
				continue
			}
			logger.Info("maintenance sweep completed",
				zap.Int64("syncs_purged", stats.SyncsPurged),
				zap.Int64("changes_purged", stats.ChangesPurged),
				zap.Int64("directory_changes_purged", stats.DirectoryChangesPurged),
				zap.Int64("markers_purged", stats.MarkersPurged))
		}
	}
}

func runMaintenance(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewFileLogger(appConfig.LogLevel, appConfig.LogFile)
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

	syncService, err := ics.NewService(ics.ServiceConfig{
		Database:      db,
		Clock:         time.Now,
		InstanceGUID:  appConfig.InstanceGUID,
		Logger:        logger,
		Bus:           ics.NewEventBus(),
		SyncRetention: appConfig.SyncRetention,
	})
	if err != nil {
		return err
	}

	stats, err := syncService.RunMaintenance(ctx)
	if err != nil {
		return err
	}
	logger.Info("maintenance sweep completed",
		zap.Int64("syncs_purged", stats.SyncsPurged),
		zap.Int64("changes_purged", stats.ChangesPurged),
		zap.Int64("directory_changes_purged", stats.DirectoryChangesPurged),
		zap.Int64("markers_purged", stats.MarkersPurged))
	return nil
}
