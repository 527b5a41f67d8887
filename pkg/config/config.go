// Package config contains the node agent settings and the logic to load
// them from command line flags and environment variables.
//
// Every setting has a flat kebab-case viper key matching its flag name.
// Environment variables use the FARMNODE_ prefix with dashes mapped to
// underscores, so --coordinator-host is FARMNODE_COORDINATOR_HOST.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Preemption monitor selectors.
const (
	PreemptionNone  = "none"
	PreemptionAWS   = "aws"
	PreemptionAzure = "azure"
)

// Settings holds the full configuration of the node agent.
type Settings struct {
	// General options.
	SetMaxFDs      bool
	MaxNodeMemory  string
	HTTPPort       int
	Preemption     string
	UserName       string
	NodeID         string
	DisableBanList bool
	Profiling      bool

	// Service connection options.
	CoordinatorHost     string
	CoordinatorPort     int
	CoordinatorEndpoint string
	NoConsul            bool
	ConsulHost          string
	ConsulPort          int
	Environment         string
	Datacenter          string
	IPCDir              string
	RuntimeDir          string
	ConfigServiceURL    string

	// Resources advertised to the coordinator.
	ExclusiveUser       string
	ExclusiveProduction string
	ExclusiveTeam       string
	OverSubscribe       bool
	Cores               int
	Memory              string
	HostRU              float64
	FarmFullID          string

	Computation ComputationDefaults
}

// ComputationDefaults are the per-computation settings. Values named
// Def* can be overridden by an individual computation's definition;
// the others apply to every computation on this node.
type ComputationDefaults struct {
	UseColor    bool
	LogLevel    int
	DefMemoryMB int
	MinMemoryMB int
	MaxMemoryMB int
	DefCores    int
	MinCores    int
	MaxCores    int

	AutoSuspend         bool
	CleanupProcessGroup bool

	DisableChunking     bool
	MinimumChunkingSize int64
	ChunkSize           int64

	PackagingSystem     string
	PackagePathOverride string

	ClientConnectionTimeout time.Duration

	// IPCName is the router's IPC socket path handed to every executor.
	// It is derived from ipc-dir and the node id at startup, not bound to
	// a flag of its own.
	IPCName string
}

// SetDefaults registers the default value for every setting.
func SetDefaults() {
	viper.SetDefault("set-max-fds", true)
	viper.SetDefault("max-node-memory", "")
	viper.SetDefault("http-port", 0)
	viper.SetDefault("preemption-monitor", PreemptionNone)
	viper.SetDefault("user-name", "")
	viper.SetDefault("node-id", "")
	viper.SetDefault("no-banlist", false)
	viper.SetDefault("profiling", false)

	viper.SetDefault("coordinator-host", "")
	viper.SetDefault("coordinator-port", 8087)
	viper.SetDefault("coordinator-endpoint", "/coordinator/1")
	viper.SetDefault("no-consul", false)
	viper.SetDefault("consul-host", "")
	viper.SetDefault("consul-port", 8500)
	viper.SetDefault("env", "prod")
	viper.SetDefault("dc", "gld")
	viper.SetDefault("ipc-dir", "/tmp")
	viper.SetDefault("runtime-dir", "")
	viper.SetDefault("config-service", "")

	viper.SetDefault("exclusive-user", "")
	viper.SetDefault("exclusive-production", "")
	viper.SetDefault("exclusive-team", "")
	viper.SetDefault("over-subscribe", false)
	viper.SetDefault("cores", 0)
	viper.SetDefault("memory", "")
	viper.SetDefault("host-ru", 0.0)
	viper.SetDefault("farm-full-id", "")

	viper.SetDefault("use-color", true)
	viper.SetDefault("comp-log-level", 3)
	viper.SetDefault("def-memory-mb", 2048)
	viper.SetDefault("min-memory-mb", 0)
	viper.SetDefault("max-memory-mb", 4000000)
	viper.SetDefault("def-cores", 0)
	viper.SetDefault("min-cores", 0)
	viper.SetDefault("max-cores", 1024)
	viper.SetDefault("auto-suspend", false)
	viper.SetDefault("cleanup-process-group", true)
	viper.SetDefault("disable-chunking", false)
	viper.SetDefault("minimum-chunking-size", 0)
	viper.SetDefault("chunk-size", 0)
	viper.SetDefault("packaging-system", "rez1")
	viper.SetDefault("package-path-override", "")
	viper.SetDefault("client-connection-timeout", 30)
}

// BindEnv wires the FARMNODE_ environment variables into viper.
func BindEnv() {
	viper.SetEnvPrefix("FARMNODE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// Load builds Settings from viper. Flags and environment variables must
// already be bound; call SetDefaults and BindEnv first.
func Load() *Settings {
	return &Settings{
		SetMaxFDs:      viper.GetBool("set-max-fds"),
		MaxNodeMemory:  viper.GetString("max-node-memory"),
		HTTPPort:       viper.GetInt("http-port"),
		Preemption:     viper.GetString("preemption-monitor"),
		UserName:       viper.GetString("user-name"),
		NodeID:         viper.GetString("node-id"),
		DisableBanList: viper.GetBool("no-banlist"),
		Profiling:      viper.GetBool("profiling"),

		CoordinatorHost:     viper.GetString("coordinator-host"),
		CoordinatorPort:     viper.GetInt("coordinator-port"),
		CoordinatorEndpoint: viper.GetString("coordinator-endpoint"),
		NoConsul:            viper.GetBool("no-consul"),
		ConsulHost:          viper.GetString("consul-host"),
		ConsulPort:          viper.GetInt("consul-port"),
		Environment:         viper.GetString("env"),
		Datacenter:          viper.GetString("dc"),
		IPCDir:              viper.GetString("ipc-dir"),
		RuntimeDir:          viper.GetString("runtime-dir"),
		ConfigServiceURL:    viper.GetString("config-service"),

		ExclusiveUser:       viper.GetString("exclusive-user"),
		ExclusiveProduction: viper.GetString("exclusive-production"),
		ExclusiveTeam:       viper.GetString("exclusive-team"),
		OverSubscribe:       viper.GetBool("over-subscribe"),
		Cores:               viper.GetInt("cores"),
		Memory:              viper.GetString("memory"),
		HostRU:              viper.GetFloat64("host-ru"),
		FarmFullID:          viper.GetString("farm-full-id"),

		Computation: ComputationDefaults{
			UseColor:    viper.GetBool("use-color"),
			LogLevel:    viper.GetInt("comp-log-level"),
			DefMemoryMB: viper.GetInt("def-memory-mb"),
			MinMemoryMB: viper.GetInt("min-memory-mb"),
			MaxMemoryMB: viper.GetInt("max-memory-mb"),
			DefCores:    viper.GetInt("def-cores"),
			MinCores:    viper.GetInt("min-cores"),
			MaxCores:    viper.GetInt("max-cores"),

			AutoSuspend:         viper.GetBool("auto-suspend"),
			CleanupProcessGroup: viper.GetBool("cleanup-process-group"),

			DisableChunking:     viper.GetBool("disable-chunking"),
			MinimumChunkingSize: viper.GetInt64("minimum-chunking-size"),
			ChunkSize:           viper.GetInt64("chunk-size"),

			PackagingSystem:     viper.GetString("packaging-system"),
			PackagePathOverride: viper.GetString("package-path-override"),

			ClientConnectionTimeout: time.Duration(viper.GetInt("client-connection-timeout")) * time.Second,
		},
	}
}

// Default returns Settings populated with the documented defaults,
// without touching global viper state. Intended for tests and as the
// base for programmatic construction.
func Default() *Settings {
	return &Settings{
		SetMaxFDs:           true,
		Preemption:          PreemptionNone,
		CoordinatorPort:     8087,
		CoordinatorEndpoint: "/coordinator/1",
		ConsulPort:          8500,
		Environment:         "prod",
		Datacenter:          "gld",
		IPCDir:              "/tmp",
		Computation: ComputationDefaults{
			UseColor:                true,
			LogLevel:                3,
			DefMemoryMB:             2048,
			MaxMemoryMB:             4000000,
			MaxCores:                1024,
			CleanupProcessGroup:     true,
			PackagingSystem:         "rez1",
			ClientConnectionTimeout: 30 * time.Second,
		},
	}
}
