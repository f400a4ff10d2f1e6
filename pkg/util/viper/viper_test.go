package viper

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `mapstructure:"name"`
	Depth int    `mapstructure:"max-depth"`
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("serializer:\n  name: demo\n  max-depth: 32\n"), 0o600))

	c := New()
	require.NoError(t, c.LoadFile(path))
	assert.True(t, c.IsSet("serializer.name"))
	assert.False(t, c.IsSet("serializer.missing"))
	assert.Equal(t, "demo", c.GetString("serializer.name"))

	var s sample
	require.NoError(t, c.UnmarshalKey("serializer", &s))
	assert.Equal(t, "demo", s.Name)
	assert.Equal(t, 32, s.Depth)
}

func TestLoadReaderDefaults(t *testing.T) {
	c := New()
	c.SetDefault("serializer.max-depth", 64)
	require.NoError(t, c.LoadReader(strings.NewReader(`{"serializer":{"name":"json"}}`), "json"))

	var root struct {
		Serializer sample `mapstructure:"serializer"`
	}
	require.NoError(t, c.Unmarshal(&root))
	assert.Equal(t, "json", root.Serializer.Name)
	assert.Equal(t, 64, root.Serializer.Depth)
}

func TestZeroConfig(t *testing.T) {
	var c Config
	var s sample
	assert.NoError(t, c.Unmarshal(&s))
	assert.False(t, c.IsSet("anything"))
	assert.Empty(t, c.GetString("anything"))
}
