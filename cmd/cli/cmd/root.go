package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/opendevbox/opendevbox/pkg/client"
)

var (
	baseURL string
	token   string
)

var rootCmd = &cobra.Command{
	Use:   "devbox",
	Short: "Manage devbox sandboxes from the command line",
	Long: `devbox is a command-line tool for the devbox control plane.

It creates and manages sandboxes, executes commands, moves files in and
out of workspaces, and drives snapshot create/restore.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", envOrDefault("DEVBOX_API_URL", "http://localhost:8080"), "control plane base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("DEVBOX_TOKEN"), "user bearer token")
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func apiClient() *client.Client {
	return client.New(baseURL, token)
}
