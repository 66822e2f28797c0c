package main

import (
	"os"

	"github.com/evanfang0054/knowledge-base-mcp/cli"
)

func main() {
	cmd := cli.RootCmd()
	if err := cmd.Execute(); err != nil {
		// Exit with error code 1 if command execution fails
		os.Exit(1)
	}
}
