package main

import (
	"os"

	"github.com/opendevbox/opendevbox/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
