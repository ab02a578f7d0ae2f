package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Move files in and out of a sandbox workspace",
}

var filesPutCmd = &cobra.Command{
	Use:   "put <sandbox-id> <local-path> <workspace-path>",
	Short: "Upload a local file into the workspace",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[1], err)
		}
		if err := apiClient().WriteFile(ctx, args[0], args[2], data); err != nil {
			return err
		}
		fmt.Printf("wrote %d bytes to %s\n", len(data), args[2])
		return nil
	},
}

var filesGetCmd = &cobra.Command{
	Use:   "get <sandbox-id> <workspace-path> [local-path]",
	Short: "Download a workspace file (stdout when no local path)",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		data, err := apiClient().ReadFile(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if len(args) == 3 {
			return os.WriteFile(args[2], data, 0600)
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

func init() {
	filesCmd.AddCommand(filesPutCmd, filesGetCmd)
	rootCmd.AddCommand(filesCmd)
}
