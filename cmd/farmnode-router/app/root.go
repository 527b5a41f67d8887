// Package app implements the farmnode-router command line.
package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rendermesh/farmnode/pkg/logger"
	"github.com/rendermesh/farmnode/pkg/router"
)

// NewRootCmd builds the router command. The router normally runs as a
// child process of the node agent, which passes every flag explicitly.
func NewRootCmd() *cobra.Command {
	var (
		nodeIDStr string
		ipcPath   string
		port      int
		logLevel  string
	)

	rootCmd := &cobra.Command{
		Use:               "farmnode-router",
		DisableAutoGenTag: true,
		Short:             "Message router for a farmnode compute node",
		Long: `farmnode-router accepts connections from session clients, peer node
routers, local computation executors and the node agent, and routes
messages between them. It runs as a separate process from the agent so
in-flight session traffic survives an agent restart.

A SIGINT or SIGTERM does not stop the router; it asks the agent to begin
an orderly node shutdown, and the router exits once the agent drops its
connection.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if logLevel != "" {
				_ = os.Setenv("FARMNODE_LOG_LEVEL", logLevel)
			}
			logger.Initialize()

			nodeID, err := uuid.Parse(nodeIDStr)
			if err != nil {
				return fmt.Errorf("invalid node id %q: %w", nodeIDStr, err)
			}

			rt := router.New(nodeID, ipcPath)
			if err := rt.Listen(port); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 2)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				for range sigCh {
					rt.RequestShutdown()
				}
			}()

			return rt.Run(cmd.Context())
		},
	}

	rootCmd.Flags().StringVar(&nodeIDStr, "node-id", "", "Node id this router serves")
	rootCmd.Flags().StringVar(&ipcPath, "ipc", "", "Path of the unix socket to listen on for local connections")
	rootCmd.Flags().IntVar(&port, "port", 0, "TCP port to listen on for remote connections, 0 for ephemeral")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	_ = rootCmd.MarkFlagRequired("node-id")
	_ = rootCmd.MarkFlagRequired("ipc")

	return rootCmd
}
