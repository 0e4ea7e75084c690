package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clan-roster/internal/config"
	"github.com/clan-roster/internal/entitlement"
	"github.com/clan-roster/internal/postgres"
	"github.com/clan-roster/internal/reconciler"
	"github.com/clan-roster/internal/roster"
	"github.com/clan-roster/internal/service"
	"github.com/clan-roster/internal/validation"
)

type app struct {
	cfg    *config.Config
	repo   *postgres.Repository
	logger *slog.Logger
}

// inlineSync applies entitlement jobs synchronously so a one-shot run
// finishes its role changes before exiting.
type inlineSync struct {
	ctx  context.Context
	sync *entitlement.Synchronizer
}

func (s inlineSync) SyncRank(identity, character, rank string) bool {
	s.sync.Apply(s.ctx, entitlement.Job{Kind: entitlement.JobSync, Identity: identity, Character: character, Rank: rank})
	return true
}

func (s inlineSync) RevokeMember(identity, character, rank string) bool {
	s.sync.Apply(s.ctx, entitlement.Job{Kind: entitlement.JobRevoke, Identity: identity, Character: character, Rank: rank})
	return true
}

func main() {
	var configPath string
	var a app

	root := &cobra.Command{
		Use:           "rosterctl",
		Short:         "Operate the clan roster engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: config.ParseLevel(cfg.Log.Level),
			}))
			repo, err := postgres.NewRepository(&cfg.Postgres, a.logger)
			if err != nil {
				return fmt.Errorf("connecting to postgres: %w", err)
			}
			a.repo = repo
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.repo != nil {
				a.repo.Close()
			}
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")

	root.AddCommand(
		a.migrateCmd(),
		a.reconcileCmd(),
		a.validateCmd(),
		a.linkCmd(),
		a.eligibilityCmd(),
		a.configCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.repo.RunMigrations(cmd.Context())
		},
	}
}

func (a *app) reconcileCmd() *cobra.Command {
	var withRoles bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one roster reconciliation cycle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			source, err := roster.NewClient(&a.cfg.Roster, nil, a.logger)
			if err != nil {
				return err
			}

			var ents reconciler.Entitlements
			if withRoles && a.cfg.Entitlements.Enabled {
				sync, err := a.synchronizer()
				if err != nil {
					return err
				}
				ents = inlineSync{ctx: ctx, sync: sync}
			}

			rec := reconciler.New(source, a.repo, ents, &a.cfg.Roster, &a.cfg.Scheduler, nil, a.logger)
			res, err := rec.Run(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().BoolVar(&withRoles, "sync-roles", true, "apply entitlement changes when entitlements are enabled")
	return cmd
}

func (a *app) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Run one requirement validation cycle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := validation.New(a.repo, nil, a.logger).Run(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func (a *app) linkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <discord-uid> <character>",
		Short: "Link a chat identity to a clan member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var rankSync service.RankSync
			if a.cfg.Entitlements.Enabled {
				sync, err := a.synchronizer()
				if err != nil {
					return err
				}
				rankSync = inlineSync{ctx: ctx, sync: sync}
			}
			ranks := service.NewRankService(a.repo, validation.New(a.repo, nil, a.logger), rankSync, a.logger)
			link, err := ranks.Link(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, link)
		},
	}
}

func (a *app) eligibilityCmd() *cobra.Command {
	var onlyReady bool
	cmd := &cobra.Command{
		Use:   "eligibility",
		Short: "Report members' progress toward their next rank",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ranks := service.NewRankService(a.repo, validation.New(a.repo, nil, a.logger), nil, a.logger)
			report, err := ranks.Eligibility(cmd.Context(), onlyReady)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().BoolVar(&onlyReady, "ready", false, "only list members meeting every requirement")
	return cmd
}

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Change stored bot settings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "points-channel <channel-id>",
		Short: "Set the channel points awards are announced in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			points := service.NewPointsService(a.repo, nil, nil, &a.cfg.Points, nil, a.logger)
			if err := points.SetAnnouncementChannel(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{"channel_id": args[0]})
		},
	})
	return cmd
}

func (a *app) synchronizer() (*entitlement.Synchronizer, error) {
	provider, err := entitlement.NewDiscordProvider(a.cfg.Entitlements.BotToken, a.cfg.Entitlements.GuildID)
	if err != nil {
		return nil, fmt.Errorf("creating entitlement provider: %w", err)
	}
	return entitlement.NewSynchronizer(provider, a.repo, &a.cfg.Entitlements, nil, a.logger), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
