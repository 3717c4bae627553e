package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/config"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/database"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/entitlements"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// appRuntime bundles what every command needs after configuration is loaded.
type appRuntime struct {
	config config.AppConfig
	logger *zap.Logger
	db     *gorm.DB
}

func openRuntime() (*appRuntime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return &appRuntime{config: appConfig, logger: logger, db: db}, nil
}

func (r *appRuntime) Close() {
	if sqlDB, err := r.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = r.logger.Sync()
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the schema and apply pending data migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			rt.logger.Info("database migrated", zap.String("path", rt.config.DatabasePath))
			return nil
		},
	}
}

func newSessionCommand() *cobra.Command {
	var (
		externalID string
		username   string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Print a signed session token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningKey),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(users.Identity{ExternalID: externalID, Username: username})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&externalID, "external-id", "", "Identity provider subject")
	cmd.Flags().StringVar(&username, "username", "", "Username carried in the session")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("external-id")
	return cmd
}

func newGrantCommand() *cobra.Command {
	var (
		username string
		track    string
		slug     string
	)
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Let a user review an exercise they have not solved",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			return grantAccess(cmd.Context(), rt, username, track, slug)
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Reviewer username")
	cmd.Flags().StringVar(&track, "track", "", "Track of the exercise")
	cmd.Flags().StringVar(&slug, "slug", "", "Exercise slug")
	for _, name := range []string{"username", "track", "slug"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func grantAccess(ctx context.Context, rt *appRuntime, username, track, slug string) error {
	userService, err := users.NewService(users.ServiceConfig{Database: rt.db})
	if err != nil {
		return err
	}
	store, err := entitlements.NewStore(rt.db, time.Now)
	if err != nil {
		return err
	}
	user, err := userService.FindByUsername(ctx, username)
	if err != nil {
		return err
	}
	if err := store.Grant(ctx, user.ID, track, slug); err != nil {
		return err
	}
	rt.logger.Info("review access granted",
		zap.String("user_id", user.ID),
		zap.String("track", track),
		zap.String("slug", slug),
	)
	return nil
}

func newRevokeCommand() *cobra.Command {
	var (
		username string
		track    string
		slug     string
	)
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Remove a user's review access to an exercise",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			return revokeAccess(cmd.Context(), rt, username, track, slug)
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Reviewer username")
	cmd.Flags().StringVar(&track, "track", "", "Track of the exercise")
	cmd.Flags().StringVar(&slug, "slug", "", "Exercise slug")
	for _, name := range []string{"username", "track", "slug"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func revokeAccess(ctx context.Context, rt *appRuntime, username, track, slug string) error {
	userService, err := users.NewService(users.ServiceConfig{Database: rt.db})
	if err != nil {
		return err
	}
	store, err := entitlements.NewStore(rt.db, time.Now)
	if err != nil {
		return err
	}
	user, err := userService.FindByUsername(ctx, username)
	if err != nil {
		return err
	}
	if err := store.Revoke(ctx, user.ID, track, slug); err != nil {
		return err
	}
	rt.logger.Info("review access revoked",
		zap.String("user_id", user.ID),
		zap.String("track", track),
		zap.String("slug", slug),
	)
	return nil
}

func newInviteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "invite USERNAME...",
		Short: "Create placeholder accounts that link on first login",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			userService, err := users.NewService(users.ServiceConfig{Database: rt.db})
			if err != nil {
				return err
			}
			invited, err := userService.FindOrCreateInUsernames(cmd.Context(), args)
			if err != nil {
				return err
			}
			for _, user := range invited {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", user.Username, user.ID)
			}
			return nil
		},
	}
}
