package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("bind", ":27017", "")
	fs.String("config", "", "")
	return fs
}

func TestSetAllConfig_FlagDefaultsSurviveWithNoOverrides(t *testing.T) {
	fs := newTestFlagSet()
	require.NoError(t, setAllConfig(viper.New(), fs))

	bind, err := fs.GetString("bind")
	require.NoError(t, err)
	assert.Equal(t, ":27017", bind)
}

func TestSetAllConfig_EnvironmentOverridesDefault(t *testing.T) {
	t.Setenv("SHARDROUTER_BIND", ":27019")
	fs := newTestFlagSet()
	require.NoError(t, setAllConfig(viper.New(), fs))

	bind, err := fs.GetString("bind")
	require.NoError(t, err)
	assert.Equal(t, ":27019", bind)
}

func TestSetAllConfig_ConfigFileOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shardrouter.toml")
	require.NoError(t, os.WriteFile(path, []byte(`bind = ":27020"`+"\n"), 0o600))

	fs := newTestFlagSet()
	require.NoError(t, fs.Set("config", path))
	require.NoError(t, setAllConfig(viper.New(), fs))

	bind, err := fs.GetString("bind")
	require.NoError(t, err)
	assert.Equal(t, ":27020", bind)
}

func TestSetAllConfig_RejectsUnknownConfigFileKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shardrouter.toml")
	require.NoError(t, os.WriteFile(path, []byte(`not-a-real-flag = "x"`+"\n"), 0o600))

	fs := newTestFlagSet()
	require.NoError(t, fs.Set("config", path))
	err := setAllConfig(viper.New(), fs)
	assert.Error(t, err)
}

func TestSetAllConfig_ExplicitFlagWinsOverEnv(t *testing.T) {
	t.Setenv("SHARDROUTER_BIND", ":27019")
	fs := newTestFlagSet()
	require.NoError(t, fs.Set("bind", ":27021"))
	require.NoError(t, setAllConfig(viper.New(), fs))

	bind, err := fs.GetString("bind")
	require.NoError(t, err)
	assert.Equal(t, ":27021", bind)
}
