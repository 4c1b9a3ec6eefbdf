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

	"github.com/MarcoPoloResearchLab/coedit/internal/auth"
	"github.com/MarcoPoloResearchLab/coedit/internal/config"
	"github.com/MarcoPoloResearchLab/coedit/internal/database"
	"github.com/MarcoPoloResearchLab/coedit/internal/document"
	"github.com/MarcoPoloResearchLab/coedit/internal/logging"
	"github.com/MarcoPoloResearchLab/coedit/internal/server"
	"github.com/MarcoPoloResearchLab/coedit/internal/session"
	"github.com/MarcoPoloResearchLab/coedit/internal/store"
	"github.com/MarcoPoloResearchLab/coedit/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coedit-api",
		Short: "Collaborative document editing service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newTokenCommand(), newGrantCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-host", defaults.GetString("http.host"), "HTTP listen host")
	cmd.PersistentFlags().Int("http-port", defaults.GetInt("http.port"), "HTTP listen port")
	cmd.PersistentFlags().String("http-path", defaults.GetString("http.path"), "Websocket endpoint path")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.host", "http-host")
	bindFlag(cmd, "http.port", "http-port")
	bindFlag(cmd, "http.path", "http-path")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newTokenCommand() *cobra.Command {
	var profile auth.SessionProfile
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      appConfig.AuthTokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(profile)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&profile.UserID, "user", "", "User id carried by the token")
	cmd.Flags().StringVar(&profile.Email, "email", "", "User email")
	cmd.Flags().StringVar(&profile.DisplayName, "name", "", "User display name")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newGrantCommand() *cobra.Command {
	var documentID, userID, rawRole string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Allow a user to edit a document",
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := store.ParseRole(rawRole)
			if err != nil {
				return err
			}
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, closeDB, err := openDatabase(appConfig.DatabasePath, logger)
			if err != nil {
				return err
			}
			defer closeDB()

			storeService, err := store.NewService(store.ServiceConfig{Database: db, Logger: logger})
			if err != nil {
				return err
			}
			return storeService.GrantAccess(cmd.Context(), documentID, userID, role)
		},
	}
	cmd.Flags().StringVar(&documentID, "document", "", "Document id")
	cmd.Flags().StringVar(&userID, "user", "", "Canonical user id")
	cmd.Flags().StringVar(&rawRole, "role", string(store.RoleEditor), "Role (owner, editor)")
	_ = cmd.MarkFlagRequired("document")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func openDatabase(path string, logger *zap.Logger) (*gorm.DB, func(), error) {
	db, err := database.OpenSQLite(path, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = sqlDB.Close() }, nil
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

	db, closeDB, err := openDatabase(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}
	storeService, err := store.NewService(store.ServiceConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}
	verifier, err := auth.NewTokenVerifier(validator, userService)
	if err != nil {
		return err
	}

	documents := document.NewRegistry(document.RegistryConfig{
		HistoryLimit: appConfig.HistoryLimit,
		Retention:    appConfig.DocumentRetention,
		Loader:       storeService,
		Logger:       logger,
	})
	snapshotter := store.NewSnapshotter(store.SnapshotterConfig{
		Source:   documents,
		Sink:     storeService,
		Interval: appConfig.SnapshotInterval,
		Logger:   logger,
	})

	sessions, err := session.NewManager(session.Config{
		Documents:     documents,
		Authenticator: verifier,
		Access:        storeService,
		PingInterval:  appConfig.PingInterval,
		SyncThreshold: appConfig.SyncThreshold,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:      sessions,
		Documents:     documents,
		Authenticator: verifier,
		Tokens:        validator,
		Access:        storeService,
		Transport: session.TransportConfig{
			PingTimeout:     appConfig.PingTimeout,
			MaxPayloadBytes: appConfig.MaxPayloadBytes,
		},
		RealtimePath:   appConfig.HTTPPath,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backgroundCtx, cancelBackground := context.WithCancel(signalCtx)
	snapshotterDone := make(chan struct{})
	go sessions.Run(backgroundCtx)
	go func() {
		defer close(snapshotterDone)
		snapshotter.Run(backgroundCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress()),
			zap.String("realtime_path", appConfig.HTTPPath))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
		defer cancel()
		sessions.Close()
		runErr = httpServer.Shutdown(shutdownCtx)
	case runErr = <-errCh:
		sessions.Close()
	}

	cancelBackground()
	<-snapshotterDone
	documents.Close()
	logger.Info("server stopped")
	return runErr
}
