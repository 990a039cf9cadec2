package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/azure/mentions-sync/internal/connectors"
	"github.com/azure/mentions-sync/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	syncCmd.AddCommand(syncSourceCmd)
	syncCmd.AddCommand(syncTenantCmd)
	syncCmd.AddCommand(syncDueCmd)

	analyticsCmd.AddCommand(analyticsRunCmd)

	settingsCmd.AddCommand(settingsSetCmd)
}

// oneShot wires the app for a single command run with throwaway metrics
func oneShot(fn func(ctx context.Context, a *app) (any, error)) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		a, err := newApp(ctx, prometheus.NewRegistry())
		if err != nil {
			return err
		}
		defer a.store.Close()

		out, err := fn(ctx, a)
		if err != nil {
			return err
		}
		if out != nil {
			return printJSON(out)
		}
		return nil
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: oneShot(func(ctx context.Context, a *app) (any, error) {
		if err := a.store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		logrus.Info("Migrations applied")
		return nil, nil
	}),
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a sync in the foreground",
}

var syncSourceCmd = &cobra.Command{
	Use:   "source <source-id>",
	Short: "Sync one source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return oneShot(func(ctx context.Context, a *app) (any, error) {
			return a.syncer.SyncSource(ctx, args[0])
		})(cmd, args)
	},
}

var syncTenantCmd = &cobra.Command{
	Use:   "tenant <tenant-id>",
	Short: "Sync every non-error source of a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return oneShot(func(ctx context.Context, a *app) (any, error) {
			return a.syncer.SyncTenant(ctx, args[0])
		})(cmd, args)
	},
}

var syncDueCmd = &cobra.Command{
	Use:   "due",
	Short: "Run one due-sources sweep",
	RunE: oneShot(func(ctx context.Context, a *app) (any, error) {
		return a.syncer.SyncDueSources(ctx)
	}),
}

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Analytics job commands",
}

var analyticsRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Recompute topic trends, influencer scores and share of voice",
	RunE: oneShot(func(ctx context.Context, a *app) (any, error) {
		return a.analytics.Run(ctx)
	}),
}

var testConnectionCmd = &cobra.Command{
	Use:   "test-connection <source-id>",
	Short: "Check a source's credentials and reachability without syncing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return oneShot(func(ctx context.Context, a *app) (any, error) {
			source, err := a.store.GetSource(ctx, args[0])
			if err != nil {
				return nil, err
			}
			conn, err := a.registry.New(*source, connectors.Deps{Status: a.store})
			if err != nil {
				return nil, err
			}
			result, err := conn.TestConnection(ctx)
			if err != nil && result == nil {
				return nil, err
			}
			return result, nil
		})(cmd, args)
	},
}

var connectorsCmd = &cobra.Command{
	Use:   "connectors",
	Short: "List the bundled platform connectors",
	Run: func(cmd *cobra.Command, args []string) {
		for _, p := range connectors.DefaultRegistry().Platforms() {
			fmt.Println(p)
		}
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Global sync settings",
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <json-value>",
	Short: fmt.Sprintf("Set a sync setting (%s)", strings.Join(settingKeys, ", ")),
	Example: `  mentions-sync settings set auto_sync_enabled false
  mentions-sync settings set sync_platforms '["twitter","rss"]'
  mentions-sync settings set max_mentions_per_sync 250`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if !knownSetting(key) {
			return fmt.Errorf("unknown setting %q, expected one of %s", key, strings.Join(settingKeys, ", "))
		}

		var value any
		if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
			return fmt.Errorf("value for %s must be JSON: %w", key, err)
		}

		return oneShot(func(ctx context.Context, a *app) (any, error) {
			if err := a.store.PutSetting(ctx, key, value); err != nil {
				return nil, err
			}
			return a.store.GetSyncSettings(ctx, syncDefaults())
		})(cmd, args)
	},
}

var settingKeys = []string{
	storage.SettingAutoSyncEnabled,
	storage.SettingSyncPlatforms,
	storage.SettingMaxMentionsPerSync,
}

func knownSetting(key string) bool {
	for _, k := range settingKeys {
		if k == key {
			return true
		}
	}
	return false
}
