package application

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/codec/framer"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

type point struct {
	X int32 `pb:"1,zigzag"`
	Y int32 `pb:"2,zigzag"`
}

const sampleConfig = `
logging:
  serializer:
    level: debug
serializer:
  max-depth: 32
  default-collection-format: unpacked
codec:
  prefix-style: fixed32
`

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRun(t *testing.T) {
	app := &Application{args: []string{"--config", writeConfig(t, sampleConfig)}}
	require.NoError(t, app.Run(context.Background(), reflect.TypeFor[*point]()))
	defer app.Close()
	defer metrics.CleanupModelMetrics(app.Model().Name())

	assert.Equal(t, 32, app.Model().Config().MaxDepth)
	assert.Equal(t, "unpacked", app.Model().Config().DefaultCollectionFormat)
	assert.True(t, app.Model().IsDefined(reflect.TypeFor[point]()))
	assert.NotNil(t, app.Logger(serializerLoggerName))
	assert.NotNil(t, app.Logger("unknown"))

	data, err := app.Model().Marshal(&point{X: -1, Y: 1})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x08, 0x01, 0x10, 0x02}, data)

	require.NotNil(t, app.Codec())
	assert.Error(t, app.Warmup(context.Background(), reflect.TypeFor[chan int]()))
}

func TestConfigPathFromEnv(t *testing.T) {
	t.Setenv(envConfigFilePath, writeConfig(t, "codec:\n  prefix-style: fixed32-big-endian\n"))
	app := &Application{}
	cfg, err := app.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, framer.Fixed32BigEndian.String(), cfg.GetString("codec.prefix-style"))

	app.args = []string{"--config=" + filepath.Join(t.TempDir(), "missing.yaml")}
	_, err = app.loadConfig()
	assert.Error(t, err)

	app.args = []string{"--config"}
	_, err = app.loadConfig()
	assert.ErrorContains(t, err, "missing value after --config")
}

func TestRunInvalidConfig(t *testing.T) {
	app := &Application{args: []string{"--config", writeConfig(t, "serializer:\n  compatibility-level: banana\n")}}
	err := app.Run(context.Background())
	assert.ErrorIs(t, err, merr.ErrInvalidConfig)

	app = &Application{args: []string{"--config", writeConfig(t, "codec:\n  compression: lz4\n")}}
	err = app.Run(context.Background())
	assert.ErrorIs(t, err, merr.ErrInvalidConfig)
}

func TestGetenvBool(t *testing.T) {
	t.Setenv("DANMU_TEST_BOOL", "on")
	assert.True(t, getenvBool("DANMU_TEST_BOOL", false))
	t.Setenv("DANMU_TEST_BOOL", "maybe")
	assert.True(t, getenvBool("DANMU_TEST_BOOL", true))
	assert.Equal(t, "x", getenvDefault("DANMU_TEST_UNSET", "x"))
}
