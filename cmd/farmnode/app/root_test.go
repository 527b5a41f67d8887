package app

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendermesh/farmnode/pkg/config"
)

func TestAgentFlagsMatchConfigKeys(t *testing.T) { //nolint:paralleltest // mutates global viper
	viper.Reset()
	t.Cleanup(viper.Reset)
	config.SetDefaults()

	cmd := &cobra.Command{Use: "farmnode"}
	addAgentFlags(cmd)

	// Every config key has a flag, and there are no extra flags.
	keys := viper.AllKeys()
	for _, key := range keys {
		assert.NotNil(t, cmd.Flags().Lookup(key), "flag --%s is missing", key)
	}
	flagCount := 0
	cmd.Flags().VisitAll(func(*pflag.Flag) { flagCount++ })
	assert.Equal(t, len(keys), flagCount)

	// Binding the untouched flags must leave every default intact.
	require.NoError(t, viper.BindPFlags(cmd.Flags()))
	assert.Equal(t, config.Default(), config.Load())
}

func TestExclusiveUserImplicitValue(t *testing.T) {
	t.Parallel()

	cmd := &cobra.Command{Use: "farmnode"}
	addAgentFlags(cmd)

	f := cmd.Flags().Lookup("exclusive-user")
	require.NotNil(t, f)
	assert.Equal(t, "", f.DefValue)
	assert.Equal(t, "_unspecified_", f.NoOptDefVal)
}

func TestNewRootCmd(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()
	assert.Equal(t, "farmnode", cmd.Use)
	assert.NotNil(t, cmd.Flags().Lookup("coordinator-host"))

	names := make([]string, 0, 2)
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "status")
	assert.Contains(t, names, "version")
}
