package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var terminalCmd = &cobra.Command{
	Use:   "terminal <sandbox-id>",
	Short: "Open an interactive terminal into a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wsURL, err := terminalURL(baseURL, args[0])
		if err != nil {
			return err
		}

		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		if err != nil {
			return fmt.Errorf("failed to connect terminal: %w", err)
		}
		defer conn.Close()

		fd := int(os.Stdin.Fd())
		if term.IsTerminal(fd) {
			oldState, err := term.MakeRaw(fd)
			if err != nil {
				return fmt.Errorf("failed to enter raw mode: %w", err)
			}
			defer term.Restore(fd, oldState)
		}

		done := make(chan struct{}, 2)

		// server → stdout
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				os.Stdout.Write(data)
			}
		}()

		// stdin → server
		go func() {
			defer func() { done <- struct{}{} }()
			buf := make([]byte, 1024)
			for {
				n, err := os.Stdin.Read(buf)
				if n > 0 {
					if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
						return
					}
				}
				if err != nil {
					return
				}
			}
		}()

		<-done
		return nil
	},
}

func terminalURL(base, sandboxID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/sandboxes/" + url.PathEscape(sandboxID) + "/terminal"
	return u.String(), nil
}

func init() {
	rootCmd.AddCommand(terminalCmd)
}
