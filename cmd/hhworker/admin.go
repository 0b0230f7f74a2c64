package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
	"github.com/denis201520182022/Bot-HH-tg/internal/repository"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newRefreshTokenCommand(logger *log.Logger) *cobra.Command {
	var recruiterID int64
	cmd := &cobra.Command{
		Use:   "refresh-token",
		Short: "Refresh one recruiter's hh.ru access token now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			_, manager := rt.setupCredentials()
			recruiter, err := manager.Refresh(ctx, recruiterID)
			if err != nil {
				return fmt.Errorf("refresh recruiter %d: %w", recruiterID, err)
			}
			expires := "unknown"
			if recruiter.TokenExpiresAt != nil {
				expires = recruiter.TokenExpiresAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("token refreshed recruiter_id=%d expires_at=%s", recruiter.ID, expires))
			return nil
		},
	}
	cmd.Flags().Int64Var(&recruiterID, "recruiter-id", 0, "internal recruiter id")
	_ = cmd.MarkFlagRequired("recruiter-id")
	return cmd
}

func newAddRecruiterCommand(logger *log.Logger) *cobra.Command {
	var (
		externalID   string
		name         string
		refreshToken string
		accessToken  string
	)
	cmd := &cobra.Command{
		Use:   "add-recruiter",
		Short: "Register a recruiter account or replace its tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(externalID) == "" || strings.TrimSpace(refreshToken) == "" {
				return errors.New("--external-id and --refresh-token are required")
			}
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			var recruiter domain.Recruiter
			err = rt.store.InTx(ctx, func(tx repository.Tx) error {
				var err error
				recruiter, err = tx.UpsertRecruiter(ctx, domain.Recruiter{ExternalID: externalID, Name: name})
				if err != nil {
					return err
				}
				return tx.UpdateRecruiterTokens(ctx, recruiter.ID, domain.Tokens{
					AccessToken:  accessToken,
					RefreshToken: refreshToken,
				})
			})
			if err != nil {
				return fmt.Errorf("save recruiter: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("recruiter saved id=%d external_id=%s", recruiter.ID, recruiter.ExternalID))
			return nil
		},
	}
	cmd.Flags().StringVar(&externalID, "external-id", "", "hh.ru manager id")
	cmd.Flags().StringVar(&name, "name", "", "display name used in notifications")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "OAuth refresh token")
	cmd.Flags().StringVar(&accessToken, "access-token", "", "optional current access token")
	return cmd
}

func newSetLimitCommand(logger *log.Logger) *cobra.Command {
	var (
		total     int
		cost      float64
		resetUsed bool
	)
	cmd := &cobra.Command{
		Use:   "set-limit",
		Short: "Set the global response quota",
		RunE: func(cmd *cobra.Command, args []string) error {
			if total < 0 {
				return errors.New("--total must not be negative")
			}
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			var settings domain.AppSettings
			err = rt.store.InTx(ctx, func(tx repository.Tx) error {
				var err error
				settings, err = tx.GetSettingsForUpdate(ctx)
				if err != nil {
					return err
				}
				settings.LimitTotal = total
				if cmd.Flags().Changed("cost") {
					settings.CostPerResponse = cost
				}
				if resetUsed {
					settings.LimitUsed = 0
				}
				if settings.Remaining() >= rt.cfg.LowLimitThreshold {
					settings.LowLimitNotified = false
				}
				return tx.SaveSettings(ctx, settings)
			})
			if err != nil {
				return fmt.Errorf("save settings: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("limit total=%d used=%d remaining=%d", settings.LimitTotal, settings.LimitUsed, settings.Remaining()))
			return nil
		},
	}
	cmd.Flags().IntVar(&total, "total", 0, "total responses allowed")
	cmd.Flags().Float64Var(&cost, "cost", 0, "cost of one admitted response")
	cmd.Flags().BoolVar(&resetUsed, "reset-used", false, "reset the used counter to zero")
	_ = cmd.MarkFlagRequired("total")
	return cmd
}

func newMigrateCommand(logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(logger)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required for migrate")
			}
			store, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("schema applied"))
			return nil
		},
	}
}

func newWatchCommand(logger *log.Logger) *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print qualified-candidate events from the configured transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			rt, err := newRuntime(ctx, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			events, local, err := rt.setupQueue(ctx, group)
			if err != nil {
				return err
			}
			if local {
				return errors.New("watch needs NOTIFICATION_PUBLISHER=redis or kafka")
			}
			out := cmd.OutOrStdout()
			err = events.Consume(ctx, func(_ context.Context, event domain.QualifiedCandidateEvent) error {
				fmt.Fprintf(out, "%s %s | %s | %s %s | %s\n",
					color.CyanString(event.QualifiedAt.Format(time.DateTime)),
					color.GreenString(event.VacancyTitle),
					event.CandidateName,
					event.CandidatePhone,
					event.CandidateCity,
					color.YellowString(event.DialogueState),
				)
				return nil
			})
			if err != nil && ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&group, "group", "hh-watch", "consumer group name")
	return cmd
}
