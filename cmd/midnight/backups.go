package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	backupsCmd := &cobra.Command{
		Use:   "backups",
		Short: "List, restore and purge registry backups",
	}
	backupsCmd.AddCommand(newBackupsListCmd(), newBackupsRestoreCmd(), newBackupsPurgeCmd())
	rootCmd.AddCommand(backupsCmd)
}

func newBackupsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			recs, err := a.store.Backups(cmdContext(cmd))
			if err != nil {
				return fmt.Errorf("failed to list backups: %w", err)
			}
			if jsonOut {
				return printJSON(recs)
			}
			if len(recs) == 0 {
				printInfo("No backups in %s\n", a.store.BackupDir())
				return nil
			}
			for _, r := range recs {
				fmt.Printf("%s  %s  %-12s %s\n", r.Handle, r.Timestamp.Local().Format(time.DateTime), r.Reason, r.CreatedBy)
			}
			return nil
		},
	}
}

func newBackupsRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <handle>",
		Short: "Write every value in a backup back to the registry",
		Long: `The restore command writes each value recorded in the backup back to the
registry and deletes values that did not exist when the backup was taken. A
missing or mismatched signature is reported but does not block the restore.

Example:
  midnight backups restore backup_20240101T120000Z_1a2b3c4d.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			rep, err := a.store.Restore(args[0])
			if err != nil {
				return fmt.Errorf("failed to restore %s: %w", args[0], err)
			}
			if jsonOut {
				integrity := ""
				if rep.Integrity != nil {
					integrity = rep.Integrity.Error()
				}
				return printJSON(map[string]any{
					"handle": rep.Handle, "restored": rep.Restored, "deleted": rep.Deleted, "integrity": integrity,
				})
			}
			if rep.Integrity != nil {
				printInfo("Warning: %v\n", rep.Integrity)
			}
			printInfo("Restored %d values and removed %d from %s\n", rep.Restored, rep.Deleted, rep.Handle)
			return nil
		},
	}
}

func newBackupsPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <handle>",
		Short: "Delete a backup and its signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.PurgeBackup(cmdContext(cmd), args[0]); err != nil {
				return fmt.Errorf("failed to purge %s: %w", args[0], err)
			}
			printInfo("Purged %s\n", args[0])
			return nil
		},
	}
}
