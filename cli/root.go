package cli

import (
	"fmt"

	"github.com/evanfang0054/knowledge-base-mcp/pkg/version"
	"github.com/spf13/cobra"
)

// RootCmd returns the knowledge-base-mcp command. Running it without a
// subcommand starts the server on the configured transport.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          version.Name,
		Short:        "MCP server for Dify knowledge base retrieval",
		Long:         "Expose Dify datasets to MCP clients over stdio, streamable HTTP or SSE",
		SilenceUsage: true,
		// Hosts launching MCP servers often pass extra arguments.
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		Args:               cobra.ArbitraryArgs,
		PreRunE:            applyDebugFlag,
		RunE:               handleServeCmd,
	}

	root.Flags().String("transport", "", "Transport to serve (stdio, http, sse)")
	root.Flags().String("host", "", "Host to bind HTTP transports to")
	root.Flags().Int("port", 0, "Port to bind HTTP transports to")
	root.Flags().String("dify-api-key", "", "Dify dataset API key")
	root.Flags().String("dify-base-url", "", "Dify API base URL")

	root.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	root.PersistentFlags().String("env-file", ".env", "Path to the environment variables file")

	root.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.Flags().Bool("log-json", false, "Output logs in JSON format")
	root.Flags().Bool("log-source", false, "Include source file and line in logs")
	root.Flags().Bool("debug", false, "Enable debug mode (sets log level to debug)")

	root.AddCommand(VersionCmd())
	return root
}

func applyDebugFlag(cmd *cobra.Command, _ []string) error {
	debug, err := cmd.Flags().GetBool("debug")
	if err != nil {
		return fmt.Errorf("failed to get debug flag: %w", err)
	}
	if debug {
		return cmd.Flags().Set("log-level", "debug")
	}
	return nil
}

func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit %s, built %s)\n",
				info.Name, info.Version, info.CommitHash, info.BuildDate)
			return err
		},
	}
}
