package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/coderoom/internal/auth"
	"github.com/MarcoPoloResearchLab/coderoom/internal/collab"
	"github.com/MarcoPoloResearchLab/coderoom/internal/config"
	"github.com/MarcoPoloResearchLab/coderoom/internal/database"
	"github.com/MarcoPoloResearchLab/coderoom/internal/execution"
	"github.com/MarcoPoloResearchLab/coderoom/internal/ids"
	"github.com/MarcoPoloResearchLab/coderoom/internal/logging"
	"github.com/MarcoPoloResearchLab/coderoom/internal/persistence"
	"github.com/MarcoPoloResearchLab/coderoom/internal/presence"
	"github.com/MarcoPoloResearchLab/coderoom/internal/rooms"
	"github.com/MarcoPoloResearchLab/coderoom/internal/server"
	"github.com/MarcoPoloResearchLab/coderoom/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coderoom",
		Short: "Collaborative code room server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newWatchCommand(), newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Identity token signing secret; empty selects advisory identities")

	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.Flags().StringSlice("allowed-origins", defaults.GetStringSlice("cors.allowed_origins"), "Allowed browser origins")
	cmd.Flags().Duration("room-idle-ttl", defaults.GetDuration("room.idle_ttl"), "Evict rooms idle this long with no connections (0 disables)")
	cmd.Flags().String("executor-url", defaults.GetString("executor.url"), "Code execution service URL")

	bindFlag(cmd.PersistentFlags(), "log.level", "log-level")
	bindFlag(cmd.PersistentFlags(), "auth.signing_secret", "signing-secret")
	bindFlag(cmd.Flags(), "http.address", "http-address")
	bindFlag(cmd.Flags(), "database.path", "database-path")
	bindFlag(cmd.Flags(), "cors.allowed_origins", "allowed-origins")
	bindFlag(cmd.Flags(), "room.idle_ttl", "room-idle-ttl")
	bindFlag(cmd.Flags(), "executor.url", "executor-url")
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

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

	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	roomService, err := persistence.NewService(persistence.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ids.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	resolver, err := newResolver(appConfig)
	if err != nil {
		return err
	}
	authenticator, err := auth.NewAuthenticator(auth.AuthenticatorConfig{
		Resolver: resolver,
		Profiles: userService,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if appConfig.AdvisoryAuth() {
		logger.Warn("no signing secret configured, identities are advisory")
	}

	executor, err := execution.NewPistonClient(execution.PistonConfig{
		URL:     appConfig.ExecutorURL,
		Timeout: appConfig.ExecutorTimeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	engine, err := collab.NewEngine(collab.Config{
		Store:                rooms.NewStore(time.Now),
		Registry:             presence.NewRegistry(),
		Access:               roomService,
		Archive:              roomService,
		Executor:             executor,
		MaxChatMessageLength: appConfig.MaxChatMessageLength,
		MaxConcurrentRuns:    appConfig.ExecutorMaxConcurrent,
		Clock:                time.Now,
		Logger:               logger,
	})
	if err != nil {
		return err
	}

	maintenance := collab.NewMaintenance(engine, collab.MaintenanceConfig{
		Interval: appConfig.RoomSweepInterval,
		IdleTTL:  appConfig.RoomIdleTTL,
	})
	maintenance.Start()
	defer maintenance.Stop()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:         engine,
		Authenticator:  authenticator,
		Rooms:          roomService,
		Directory:      userService,
		IDProvider:     ids.NewUUIDProvider(),
		AllowedOrigins: appConfig.AllowedOrigins,
		CookieName:     appConfig.CookieName,
		Realtime: server.RealtimeConfig{
			SendBuffer:        appConfig.SendBuffer,
			MaxMessageBytes:   appConfig.MaxMessageBytes,
			MessagesPerSecond: appConfig.MessagesPerSecond,
			MessageBurst:      appConfig.MessageBurst,
		},
		Logger: logger,
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

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Bool("advisory_auth", appConfig.AdvisoryAuth()),
			zap.Duration("room_idle_ttl", appConfig.RoomIdleTTL))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return engine.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newResolver(appConfig config.AppConfig) (auth.IdentityResolver, error) {
	if appConfig.AdvisoryAuth() {
		return auth.NewAdvisoryResolver(), nil
	}
	resolver, err := auth.NewVerifiedResolver(auth.VerifiedResolverConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
	})
	if err != nil {
		return nil, err
	}
	return resolver, nil
}

func bindFlag(flags *pflag.FlagSet, key, flag string) {
	if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
		panic(err)
	}
}
