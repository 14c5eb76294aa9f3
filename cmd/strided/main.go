package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pacerlabs/stride/internal/auth"
	"github.com/pacerlabs/stride/internal/config"
	"github.com/pacerlabs/stride/internal/logging"
	"github.com/pacerlabs/stride/internal/record"
	"github.com/pacerlabs/stride/internal/registry"
	"github.com/pacerlabs/stride/internal/relay"
	"github.com/pacerlabs/stride/internal/relay/httprelay"
	"github.com/pacerlabs/stride/internal/roster"
	"github.com/pacerlabs/stride/internal/server"
	"github.com/pacerlabs/stride/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "strided",
		Short: "Stride competition registry daemon",
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
	cmd.PersistentFlags().String("gateway-address", defaults.GetString("gateway.address"), "Local gateway listen address")
	cmd.PersistentFlags().StringSlice("relay-urls", defaults.GetStringSlice("relays.urls"), "Relay base URLs")
	cmd.PersistentFlags().Int("publish-quorum", defaults.GetInt("relays.publish_quorum"), "Relays that must acknowledge a publish")
	cmd.PersistentFlags().Duration("publish-timeout", defaults.GetDuration("relays.publish_timeout"), "Per-publish relay timeout")
	cmd.PersistentFlags().Duration("query-window", defaults.GetDuration("relays.query_window"), "Query result collection window")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite record cache path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("session-secret", "", "Gateway session signing secret (overrides env)")
	cmd.PersistentFlags().String("signer-secret", "", "Record signer secret (overrides env)")

	bindFlag(cmd, "gateway.address", "gateway-address")
	bindFlag(cmd, "relays.urls", "relay-urls")
	bindFlag(cmd, "relays.publish_quorum", "publish-quorum")
	bindFlag(cmd, "relays.publish_timeout", "publish-timeout")
	bindFlag(cmd, "relays.query_window", "query-window")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "session-secret")
	bindFlag(cmd, "signer.secret", "signer-secret")
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

	db, err := store.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	cache, err := store.New(store.Config{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	clients := make([]relay.Client, 0, len(appConfig.RelayURLs))
	for _, url := range appConfig.RelayURLs {
		client, clientErr := httprelay.New(httprelay.Config{BaseURL: url})
		if clientErr != nil {
			return clientErr
		}
		clients = append(clients, client)
	}
	pool, err := relay.NewPool(clients...)
	if err != nil {
		return err
	}
	defer pool.Close() //nolint:errcheck

	engine, err := relay.NewEngine(relay.EngineConfig{
		Pool:           pool,
		Logger:         logger,
		PublishTimeout: appConfig.PublishTimeout,
		QueryWindow:    appConfig.QueryWindow,
	})
	if err != nil {
		return err
	}

	signer, err := record.NewHMACSigner([]byte(appConfig.SignerSecret))
	if err != nil {
		return err
	}

	rosterService, err := roster.NewService(roster.ServiceConfig{
		Engine:     engine,
		Cache:      cache,
		Clock:      time.Now,
		IDProvider: roster.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	registryService, err := registry.NewService(registry.ServiceConfig{
		Engine:        engine,
		Rosters:       rosterService,
		Cache:         cache,
		Signer:        signer,
		Clock:         time.Now,
		Logger:        logger,
		PublishQuorum: appConfig.PublishQuorum,
	})
	if err != nil {
		return err
	}

	sessionManager := auth.NewSessionManager(auth.SessionManagerConfig{
		SigningSecret: []byte(appConfig.SessionSecret),
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:      sessionManager,
		Registry:      registryService,
		Rosters:       rosterService,
		Engine:        engine,
		Signer:        signer,
		Logger:        logger,
		PublishQuorum: appConfig.PublishQuorum,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cancelWatch, err := startCacheRefresh(signalCtx, engine, registryService, cache, logger)
	if err != nil {
		logger.Warn("cache refresh watch unavailable", zap.Error(err))
	} else {
		defer cancelWatch()
	}

	httpServer := &http.Server{
		Addr:    appConfig.GatewayAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway starting",
			zap.String("address", appConfig.GatewayAddress),
			zap.Int("relays", pool.Size()),
			zap.Int("publish_quorum", appConfig.PublishQuorum))
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

// startCacheRefresh keeps the local cache and the registry memo
// converging while the daemon runs: every superseding record observed
// on the relay watch stream is folded back in.
func startCacheRefresh(ctx context.Context, engine *relay.Engine, registryService *registry.Service, cache *store.Store, logger *zap.Logger) (func(), error) {
	filter := record.Filter{
		Kinds: []int{record.KindPeopleRoster, record.KindTagRoster, record.KindLeague, record.KindEvent},
	}
	updates, cancel, err := engine.Watch(ctx, filter)
	if err != nil {
		return nil, err
	}

	go func() {
		for update := range updates {
			switch update.Record.Kind {
			case record.KindLeague, record.KindEvent:
				if _, _, applyErr := registryService.Apply(ctx, update.Record); applyErr != nil {
					logger.Debug("watched record rejected",
						zap.String("key", update.Key.String()),
						zap.Error(applyErr))
				}
			default:
				if _, putErr := cache.Put(ctx, update.Record); putErr != nil {
					logger.Warn("watched roster cache write failed",
						zap.String("key", update.Key.String()),
						zap.Error(putErr))
				}
			}
		}
	}()

	return cancel, nil
}
