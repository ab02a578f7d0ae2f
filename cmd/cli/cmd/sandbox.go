package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opendevbox/opendevbox/pkg/types"
)

var (
	createCPUs   int
	createMemory int
	createTTL    int
	destroySnap  bool
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Manage sandboxes",
}

var sandboxCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new sandbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		sb, err := apiClient().CreateSandbox(ctx, types.SandboxConfig{
			CpuCount:   createCPUs,
			MemoryMB:   createMemory,
			TTLSeconds: createTTL,
		})
		if err != nil {
			return err
		}
		fmt.Printf("created sandbox %s (driver=%s, deadline=%s)\n", sb.ID, sb.DriverKind, sb.Deadline.Format(time.RFC3339))
		return nil
	},
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your sandboxes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sandboxes, err := apiClient().ListSandboxes(ctx)
		if err != nil {
			return err
		}
		if len(sandboxes) == 0 {
			fmt.Println("no sandboxes")
			return nil
		}
		for _, sb := range sandboxes {
			fmt.Printf("%s\t%s\t%s\tdeadline=%s\n", sb.ID, sb.State, sb.DriverKind, sb.Deadline.Format(time.RFC3339))
		}
		return nil
	},
}

var sandboxDestroyCmd = &cobra.Command{
	Use:   "destroy <sandbox-id>",
	Short: "Destroy a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := apiClient().DestroySandbox(ctx, args[0], destroySnap); err != nil {
			return err
		}
		fmt.Printf("destroyed sandbox %s\n", args[0])
		return nil
	},
}

var sandboxKeepaliveCmd = &cobra.Command{
	Use:   "keepalive <sandbox-id> <ttl-seconds>",
	Short: "Extend a sandbox's reap deadline",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var ttl int
		if _, err := fmt.Sscanf(args[1], "%d", &ttl); err != nil {
			return fmt.Errorf("invalid ttl %q", args[1])
		}
		return apiClient().Keepalive(ctx, args[0], ttl)
	},
}

func init() {
	sandboxCreateCmd.Flags().IntVar(&createCPUs, "cpus", 0, "vCPU count (0 = server default)")
	sandboxCreateCmd.Flags().IntVar(&createMemory, "memory-mb", 0, "memory in MB (0 = server default)")
	sandboxCreateCmd.Flags().IntVar(&createTTL, "ttl", 0, "initial keepalive TTL in seconds")
	sandboxDestroyCmd.Flags().BoolVar(&destroySnap, "snapshot", false, "snapshot the workspace before destroying")

	sandboxCmd.AddCommand(sandboxCreateCmd, sandboxListCmd, sandboxDestroyCmd, sandboxKeepaliveCmd)
	rootCmd.AddCommand(sandboxCmd)
}
