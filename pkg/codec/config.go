package codec

import (
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/codec/compressor"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/codec/framer"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/viper"
)

// ConfigKey 是配置文件中编解码器所在的键。
const ConfigKey = "codec"

// Config 是编解码器的配置。
type Config struct {
	Serializer          string `mapstructure:"serializer"`
	PrefixStyle         string `mapstructure:"prefix-style"`
	Field               int    `mapstructure:"field"`
	MaxFrameSize        uint32 `mapstructure:"max-frame-size"`
	Compression         string `mapstructure:"compression"`
	CompressConcurrency int    `mapstructure:"compress-concurrency"`
	MinCompressSize     int    `mapstructure:"min-compress-size"`
}

func DefaultConfig() Config {
	return Config{
		Serializer:  "model",
		PrefixStyle: framer.Base128.String(),
		Compression: string(compressor.KindNone),
	}
}

// UnmarshalConfig 从已加载的配置中读取 codec 键，缺省项取默认值。
func UnmarshalConfig(v *viper.Config) (Config, error) {
	cfg := DefaultConfig()
	if !v.IsSet(ConfigKey) {
		return cfg, nil
	}
	if err := v.UnmarshalKey(ConfigKey, &cfg); err != nil {
		return Config{}, merr.WrapErrInvalidConfig(ConfigKey, err.Error())
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	style, err := framer.ParsePrefixStyle(c.PrefixStyle)
	if err != nil {
		return err
	}
	if _, err := framer.New(style, c.Field, c.MaxFrameSize); err != nil {
		return err
	}
	if _, err := compressor.ParseKind(c.Compression); err != nil {
		return err
	}
	if c.MinCompressSize < 0 {
		return merr.WrapErrInvalidConfig("min-compress-size", c.MinCompressSize, "must not be negative")
	}
	return nil
}
