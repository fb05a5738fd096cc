package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/chatsync/internal/auth"
	"github.com/alexjbarnes/chatsync/internal/chatsync"
)

// withApp loads config and state for a command and closes them after.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		return fn(cmd, a, args)
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync service until interrupted",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			return a.serve(cmd.Context())
		}),
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync pass and exit",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			err := a.withService(cmd.Context(), a.svc.SyncNow)
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}

			return writeJSON(cmd.OutOrStdout(), a.svc.Status())
		}),
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the sync indicator and metadata counts",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			return writeJSON(cmd.OutOrStdout(), a.svc.Status())
		}),
	}
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup [name]",
		Short: "Create a named backup of local chats and settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			name := "manual-" + time.Now().UTC().Format("20060102-150405")
			if len(args) == 1 {
				name = args[0]
			}

			var bk chatsync.Backup

			err := a.withService(cmd.Context(), func(ctx context.Context) error {
				var err error
				bk, err = a.svc.BackupNow(ctx, name)

				return err
			})
			if err != nil {
				return fmt.Errorf("backup: %w", err)
			}

			return writeJSON(cmd.OutOrStdout(), bk)
		}),
	}
}

func newBackupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List backups in the bucket, newest first",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			list, err := a.svc.ListBackups(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing backups: %w", err)
			}

			return writeBackups(cmd.OutOrStdout(), list)
		}),
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <key>",
		Short: "Restore a backup archive over local data",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			var res chatsync.RestoreResult

			err := a.withService(cmd.Context(), func(ctx context.Context) error {
				var err error
				res, err = a.svc.RestoreBackup(ctx, args[0])

				return err
			})
			if err != nil {
				return fmt.Errorf("restore: %w", err)
			}

			return writeJSON(cmd.OutOrStdout(), res)
		}),
	}
}

func newGenKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-key",
		Short: "Generate an API key for MCP_API_KEYS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := auth.GenerateAPIKey()
			if err != nil {
				return fmt.Errorf("generating key: %w", err)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)

			return err
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func writeBackups(w io.Writer, list []chatsync.Backup) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tKIND\tSIZE\tCREATED")

	for _, b := range list {
		kind := "named"

		switch {
		case b.Legacy:
			kind = "legacy"
		case b.Daily:
			kind = "daily"
		}

		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", b.Key, kind, b.Size, b.CreatedAt.Format(time.RFC3339))
	}

	return tw.Flush()
}
