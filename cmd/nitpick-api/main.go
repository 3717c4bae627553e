package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/config"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/entitlements"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/markdown"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/progress"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/recommendations"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/retraction"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/server"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/submissions"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nitpick-api",
		Short: "Nitpick peer review backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMigrateCommand(), newSessionCommand(), newGrantCommand(), newRevokeCommand(), newInviteCommand())

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
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Duration("unsubmit-timeout", defaults.GetDuration("review.unsubmit_timeout"), "How long a submission may be retracted")
	cmd.PersistentFlags().String("quota-timezone", defaults.GetString("review.quota_timezone"), "Time zone that defines the daily review quota day")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "review.unsubmit_timeout", "unsubmit-timeout")
	bindFlag(cmd, "review.quota_timezone", "quota-timezone")
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
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	appConfig, logger, db := rt.config, rt.logger, rt.db

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	idProvider := ids.NewUUIDProvider()
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now, IDProvider: idProvider})
	if err != nil {
		return err
	}
	ledger, err := progress.NewLedger(progress.LedgerConfig{Database: db, Clock: time.Now, IDProvider: idProvider, Logger: logger})
	if err != nil {
		return err
	}
	store, err := entitlements.NewStore(db, time.Now)
	if err != nil {
		return err
	}
	submissionService, err := submissions.NewService(submissions.ServiceConfig{
		Database:   db,
		Ledger:     ledger,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher()
	engine, err := comments.NewEngine(comments.EngineConfig{
		Database:   db,
		Sanitizer:  markdown.NewRenderer(),
		Users:      userService,
		Ledger:     ledger,
		Notifier:   realtime,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	selector, err := recommendations.NewSelector(recommendations.SelectorConfig{
		Database: db,
		Users:    userService,
		Clock:    time.Now,
		Location: appConfig.QuotaLocation,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	guard, err := retraction.NewGuard(retraction.GuardConfig{
		Database: db,
		Ledger:   ledger,
		Clock:    time.Now,
		Timeout:  appConfig.UnsubmitTimeout,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: validator,
		Users:            userService,
		Submissions:      submissionService,
		Comments:         engine,
		Recommendations:  selector,
		Retraction:       guard,
		Ledger:           ledger,
		Entitlements:     store,
		Realtime:         realtime,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Duration("unsubmit_timeout", guard.Timeout()),
			zap.String("quota_timezone", appConfig.QuotaLocation.String()),
		)
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
