package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-bundler/core/backup"
	"github.com/AvaProtocol/ap-bundler/storage"
)

var (
	backupDbPath string
	backupDir    string
	restoreFile  string

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Backup a persisted mempool",
		Long: `Write a full snapshot of a persisted mempool database.

Backups are stored in the format: /backup_dir/yy-mm-dd-hh-mm/mempool.backup
The node must be stopped, badger allows a single process per database directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := storage.NewWithPath(backupDbPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			path, err := backup.NewService(nil, db, backupDir).PerformBackup(commandContext(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Backup completed successfully to %s\n", path)
			return nil
		},
	}

	restoreCmd = &cobra.Command{
		Use:   "restore",
		Short: "Restore a persisted mempool from a backup",
		Long:  `Load a snapshot written by the backup command into a database directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := storage.NewWithPath(backupDbPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			if err := backup.Restore(commandContext(cmd), db, restoreFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Restore completed successfully from %s\n", restoreFile)
			return nil
		},
	}
)

// commandContext is nil when RunE is invoked without Execute
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func init() {
	backupCmd.Flags().StringVar(&backupDbPath, "db", "./data/badger", "path to the badger database")
	backupCmd.Flags().StringVar(&backupDir, "dir", "./backup", "directory to store backups")
	rootCmd.AddCommand(backupCmd)

	restoreCmd.Flags().StringVar(&backupDbPath, "db", "./data/badger", "path to the badger database")
	restoreCmd.Flags().StringVar(&restoreFile, "file", "", "backup file to restore from")
	_ = restoreCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(restoreCmd)
}
