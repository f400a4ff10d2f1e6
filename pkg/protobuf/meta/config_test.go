package meta

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/wire"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/viper"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
serializer:
  auto-tuple: false
  default-collection-format: enhanced
  compatibility-level: "2.1"
  disabled-modes: [late-reference]
  lock-timeout: 250ms
  strict-enums: true
`), 0o600))
	t.Setenv("DANMU_SERIALIZER_MAX_DEPTH", "48")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, cfg.AutoTuple)
	assert.True(t, cfg.AutoAddMissingTypes)
	assert.True(t, cfg.StrictEnums)
	assert.Equal(t, "enhanced", cfg.DefaultCollectionFormat)
	assert.Equal(t, 250*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, 48, cfg.MaxDepth)

	compiled, err := cfg.compile()
	require.NoError(t, err)
	assert.Equal(t, Enhanced, compiled.collection)
	assert.True(t, compiled.level.LT(wellKnownLevel))
	assert.True(t, compiled.disabled.Contain(LateReference))
	assert.False(t, compiled.disabled.Contain(Reference))
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	compiled, err := Config{}.compile()
	require.NoError(t, err)
	assert.Equal(t, Packed, compiled.collection)
	assert.Equal(t, DefaultLockTimeout, compiled.LockTimeout)
	assert.Equal(t, wire.DefaultMaxDepth, compiled.MaxDepth)
	assert.True(t, compiled.level.EQ(wellKnownLevel))
}

func TestInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"level":      "serializer:\n  compatibility-level: banana\n",
		"collection": "serializer:\n  default-collection-format: sparse\n",
		"mode":       "serializer:\n  disabled-modes: [teleport]\n",
		"compact":    "serializer:\n  disabled-modes: [compact]\n",
		"timeout":    "serializer:\n  lock-timeout: -1s\n",
		"depth":      "serializer:\n  max-depth: -3\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			v := viper.New()
			require.NoError(t, v.LoadReader(strings.NewReader(body), "yaml"))
			_, err := UnmarshalConfig(v)
			assert.ErrorIs(t, err, merr.ErrInvalidConfig)
			assert.True(t, merr.IsConfigurationError(err))
		})
	}

	_, err := New(WithConfig(Config{CompatibilityLevel: "x.y"}))
	assert.ErrorIs(t, err, merr.ErrInvalidConfig)
}
