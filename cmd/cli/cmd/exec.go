package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opendevbox/opendevbox/pkg/types"
)

var execTimeout int

var execCmd = &cobra.Command{
	Use:   "exec <sandbox-id> -- <command> [args...]",
	Short: "Run a command inside a sandbox",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(execTimeout+30)*time.Second)
		defer cancel()

		result, err := apiClient().Exec(ctx, args[0], types.ExecRequest{
			Argv:           args[1:],
			TimeoutSeconds: execTimeout,
		})
		if err != nil {
			return err
		}

		fmt.Fprint(os.Stdout, result.Stdout)
		fmt.Fprint(os.Stderr, result.Stderr)
		if result.TimedOut {
			return fmt.Errorf("command timed out")
		}
		if result.ExitCode != 0 {
			os.Exit(result.ExitCode)
		}
		return nil
	},
}

func init() {
	execCmd.Flags().IntVar(&execTimeout, "timeout", 30, "command timeout in seconds")
	rootCmd.AddCommand(execCmd)
}
