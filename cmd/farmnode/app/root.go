// Package app implements the farmnode command line.
package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendermesh/farmnode/pkg/config"
	"github.com/rendermesh/farmnode/pkg/logger"
	"github.com/rendermesh/farmnode/pkg/node"
)

// NewRootCmd builds the farmnode command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "farmnode",
		DisableAutoGenTag: true,
		Short:             "Per-host agent for a compute farm",
		Long: `farmnode manages the computations running on one farm host. It spawns
the message router child process, registers the host with consul and the
pool coordinator, and serves the HTTP endpoints the coordinator uses to
create, modify and tear down sessions.

Every flag maps to a FARMNODE_ environment variable with dashes replaced
by underscores, so --coordinator-host can also be set as
FARMNODE_COORDINATOR_HOST. A flag given on the command line wins.`,
		RunE: runAgent,
	}

	addAgentFlags(rootCmd)
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func runAgent(cmd *cobra.Command, _ []string) error {
	config.SetDefaults()
	config.BindEnv()
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	logger.Initialize()

	settings := config.Load()
	n := node.New(settings)
	if err := n.Initialize(cmd.Context()); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			logger.Infof("Received signal %s, shutting down", sig)
			n.StopRunning()
		}
	}()

	if m := node.StartPreemptionMonitor(settings.Preemption, n.StopRunning); m != nil {
		defer m.Stop()
	}

	return n.Run(cmd.Context())
}

// addAgentFlags registers one flag per setting. Flag names double as
// viper keys, so they must stay in step with config.SetDefaults.
func addAgentFlags(cmd *cobra.Command) {
	f := cmd.Flags()

	f.Bool("set-max-fds", true, "Raise the open file limit to the hard maximum at startup")
	f.String("max-node-memory", "", "Memory reserved for the host itself, as a size (2GB) or a percentage (5%)")
	f.Int("http-port", 0, "TCP port for the HTTP service, 0 for ephemeral")
	f.String("preemption-monitor", config.PreemptionNone, "Cloud preemption monitor to run (none, aws, azure)")
	f.String("user-name", "", "User name reported for exclusive-user scheduling")
	f.String("node-id", "", "Node id to register under, defaults to a fresh UUID")
	f.Bool("no-banlist", false, "Do not ban addresses that probe unmapped endpoints")
	f.Bool("profiling", false, "Serve runtime profiling endpoints under /debug")

	f.String("coordinator-host", "", "Coordinator host, bypassing the consul lookup")
	f.Int("coordinator-port", 8087, "Coordinator port when --coordinator-host is set")
	f.String("coordinator-endpoint", "/coordinator/1", "Coordinator URL path when --coordinator-host is set")
	f.Bool("no-consul", false, "Run without consul; requires --coordinator-host")
	f.String("consul-host", "", "Consul host, bypassing the configuration service lookup")
	f.Int("consul-port", 8500, "Consul port when --consul-host is set")
	f.String("env", "prod", "Farm environment used for service lookups")
	f.String("dc", "gld", "Datacenter used for service lookups")
	f.String("ipc-dir", "/tmp", "Directory for the router's IPC socket")
	f.String("runtime-dir", "", "Directory for the instance lock, defaults to the user runtime dir")
	f.String("config-service", "", "Configuration service base URL for the consul endpoint lookup")

	f.String("exclusive-user", "", "Only accept sessions from this user; no value means the user running the agent")
	f.String("exclusive-production", "", "Only accept sessions from this production")
	f.String("exclusive-team", "", "Only accept sessions from this team")
	f.Bool("over-subscribe", false, "Advertise the node as over-subscribable")
	f.Int("cores", 0, "Cores to advertise for computations, 0 for all remaining after the host reserve")
	f.String("memory", "", "Memory to advertise for computations, e.g. 48GB")
	f.Float64("host-ru", 0, "Render units this host contributes to its farm")
	f.String("farm-full-id", "", "Farm placement id reported to the coordinator")

	f.Bool("use-color", true, "Allow color codes in computation logs")
	f.IntP("comp-log-level", "l", 3, "Computation log level [0-5] with 5 being the highest")
	f.Int("def-memory-mb", 2048, "Default computation memory reservation in MB")
	f.Int("min-memory-mb", 0, "Minimum computation memory reservation in MB")
	f.Int("max-memory-mb", 4000000, "Maximum computation memory reservation in MB")
	f.Int("def-cores", 0, "Default computation core count, 0 for all advertised cores")
	f.Int("min-cores", 0, "Minimum computation core count")
	f.Int("max-cores", 1024, "Maximum computation core count")
	f.Bool("auto-suspend", false, "Suspend computations that exceed their memory reservation instead of killing them")
	f.Bool("cleanup-process-group", true, "Kill a computation's whole process group on teardown")
	f.Bool("disable-chunking", false, "Disable chunked transfer of large messages to executors")
	f.Int64("minimum-chunking-size", 0, "Smallest message size in bytes eligible for chunking, 0 for the built-in default")
	f.Int64("chunk-size", 0, "Chunk size in bytes, 0 for the built-in default")
	f.String("packaging-system", "rez1", "Default packaging system for computations (none, current-environment, bash, rez1, rez2)")
	f.String("package-path-override", "", "Override for the packaging system's package search path")
	f.Int("client-connection-timeout", 30, "Seconds a session waits for its client to connect before shutting down")

	// --exclusive-user with no value means the invoking user.
	f.Lookup("exclusive-user").NoOptDefVal = "_unspecified_"
}
