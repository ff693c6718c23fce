package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/config"
	"github.com/MarcoPoloResearchLab/roomsync/internal/database"
	"github.com/MarcoPoloResearchLab/roomsync/internal/ingest"
	"github.com/MarcoPoloResearchLab/roomsync/internal/logging"
	"github.com/MarcoPoloResearchLab/roomsync/internal/projector"
	"github.com/MarcoPoloResearchLab/roomsync/internal/records"
	"github.com/MarcoPoloResearchLab/roomsync/internal/server"
	"github.com/MarcoPoloResearchLab/roomsync/internal/upstream"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile       string
	triggerOnly   bool
	errNoUpstream = errors.New("upstream.base_url is required for pull")
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "roomsync-collector",
		Short: "Room state synchronization collector",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	pullCmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull full-sync payloads from the upstream management API once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(cmd.Context())
		},
	}
	pullCmd.Flags().BoolVar(&triggerOnly, "trigger", false, "Ask the upstream to push its sync callbacks instead of pulling")

	setupFlags(rootCmd)
	rootCmd.AddCommand(pullCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, mysql)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "MySQL DSN")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("upstream-url", defaults.GetString("upstream.base_url"), "Upstream management API base URL")
	cmd.PersistentFlags().String("upstream-api-key", "", "Upstream management API key (overrides env)")
	cmd.PersistentFlags().Int("pull-interval-seconds", defaults.GetInt("upstream.pull_interval_seconds"), "Background pull interval; 0 disables")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "upstream.base_url", "upstream-url")
	bindFlag(cmd, "upstream.api_key", "upstream-api-key")
	bindFlag(cmd, "upstream.pull_interval_seconds", "pull-interval-seconds")
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

// watchLogLevel applies log.level edits from the config file without a restart.
func watchLogLevel(level zap.AtomicLevel, logger *zap.Logger) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		next := logging.ParseLevel(viper.GetString("log.level"))
		if next == level.Level() {
			return
		}
		level.SetLevel(next)
		logger.Info("log level changed", zap.String("level", next.String()), zap.String("file", event.Name))
	})
	viper.WatchConfig()
}

type application struct {
	config config.AppConfig
	level  zap.AtomicLevel
	logger *zap.Logger
	db     *gorm.DB
	store  *records.Store
	ingest *ingest.Service
}

func bootstrap() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	level := logging.NewAtomicLevel(appConfig.LogLevel)
	logger, err := logging.NewLogger(level)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.ConfigFromApp(appConfig), logger)
	if err != nil {
		return nil, err
	}
	store, err := records.NewStore(db)
	if err != nil {
		return nil, err
	}
	ingestService, err := ingest.NewService(ingest.ServiceConfig{
		Store:  store,
		Clock:  time.Now,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	return &application{
		config: appConfig,
		level:  level,
		logger: logger,
		db:     db,
		store:  store,
		ingest: ingestService,
	}, nil
}

func (app *application) close() {
	if sqlDB, err := app.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = app.logger.Sync()
}

func (app *application) newClient() (*upstream.Client, error) {
	return upstream.NewClient(upstream.ClientConfig{
		BaseURL: app.config.Upstream.BaseURL,
		APIKey:  app.config.Upstream.APIKey,
		Timeout: app.config.Upstream.Timeout,
	})
}

func runServer(ctx context.Context) error {
	app, err := bootstrap()
	if err != nil {
		return err
	}
	defer app.close()
	watchLogLevel(app.level, app.logger)

	roomProjector, err := projector.New(projector.Config{
		Store:  app.store,
		Clock:  time.Now,
		Logger: app.logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Ingestor:  app.ingest,
		Projector: roomProjector,
		Clock:     time.Now,
		Logger:    app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    app.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if app.config.Upstream.Enabled() && app.config.Upstream.PullInterval > 0 {
		client, err := app.newClient()
		if err != nil {
			return err
		}
		puller, err := upstream.NewPuller(upstream.PullerConfig{
			Source:   client,
			Ingestor: app.ingest,
			Logger:   app.logger,
		})
		if err != nil {
			return err
		}
		group.Go(func() error {
			app.logger.Info("upstream pull loop starting",
				zap.String("base_url", app.config.Upstream.BaseURL),
				zap.Duration("interval", app.config.Upstream.PullInterval))
			return puller.Run(groupCtx, app.config.Upstream.PullInterval)
		})
	}

	return group.Wait()
}

func runPull(ctx context.Context) error {
	app, err := bootstrap()
	if err != nil {
		return err
	}
	defer app.close()

	if !app.config.Upstream.Enabled() {
		return errNoUpstream
	}
	client, err := app.newClient()
	if err != nil {
		return err
	}

	if triggerOnly {
		if err := client.TriggerSync(ctx); err != nil {
			return err
		}
		app.logger.Info("upstream sync triggered", zap.String("base_url", app.config.Upstream.BaseURL))
		return nil
	}

	puller, err := upstream.NewPuller(upstream.PullerConfig{
		Source:   client,
		Ingestor: app.ingest,
		Logger:   app.logger,
	})
	if err != nil {
		return err
	}
	report, err := puller.PullOnce(ctx)
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d pulled payloads were rejected", report.Failed, report.Fetched)
	}
	return nil
}
