package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/apexion-ai/agentloop/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Connect to the configured MCP servers and list their tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := initConfig()
			if err != nil {
				return err
			}
			logger, closeLog, err := newLogger(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}
			defer closeLog()

			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			var extra []string
			if cfg.MCPConfig != "" {
				extra = append(extra, expandHome(cfg.MCPConfig))
			}
			mcpCfg, err := mcp.LoadConfig(cwd, extra...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(mcpCfg.Servers) == 0 {
				fmt.Fprintf(out, "No MCP servers configured. Looked in: %v\n", append(mcp.ConfigPaths(cwd), extra...))
				return nil
			}

			m := mcp.NewManager(mcpCfg, mcp.WithLogger(logger), mcp.WithVersion(appVersion))
			defer m.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), mcpConnectTimeout)
			defer cancel()
			m.ConnectAll(ctx)

			status := m.Status()
			byServer := map[string][]mcp.Tool{}
			for _, t := range m.Tools() {
				byServer[t.Server] = append(byServer[t.Server], t)
			}
			for _, name := range m.Names() {
				fmt.Fprintf(out, "%s: %s\n", name, status[name])
				for _, t := range byServer[name] {
					class, _ := mcp.NewProxy(m, t).Classify(nil)
					fmt.Fprintf(out, "  %-40s %-10s %s\n", "mcp__"+name+"__"+t.Tool.Name, class, t.Tool.Description)
				}
			}
			return nil
		},
	}
}
