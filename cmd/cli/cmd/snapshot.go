package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage workspace snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create <sandbox-id>",
	Short: "Archive a sandbox's workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		snap, err := apiClient().CreateSnapshot(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("created %s (%d bytes, %s)\n", snap.ID, snap.SizeBytes, snap.Digest)
		return nil
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <snapshot-id> <sandbox-id>",
	Short: "Restore a snapshot into a sandbox's workspace",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if err := apiClient().RestoreSnapshot(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("restored %s into %s\n", args[0], args[1])
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		snapshots, err := apiClient().ListSnapshots(ctx)
		if err != nil {
			return err
		}
		if len(snapshots) == 0 {
			fmt.Println("no snapshots")
			return nil
		}
		for _, snap := range snapshots {
			fmt.Printf("%s\t%s\t%d bytes\n", snap.ID, snap.CreatedAt.Format(time.RFC3339), snap.SizeBytes)
		}
		return nil
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <snapshot-id>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		return apiClient().DeleteSnapshot(ctx, args[0])
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotRestoreCmd, snapshotListCmd, snapshotDeleteCmd)
	rootCmd.AddCommand(snapshotCmd)
}
