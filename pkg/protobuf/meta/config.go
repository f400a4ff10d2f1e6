package meta

import (
	"time"

	"github.com/blang/semver/v4"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/log"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/wire"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/typeutil"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/viper"
)

const (
	// ConfigKey 是配置文件中类型模型所在的键。
	ConfigKey = "serializer"

	DefaultLockTimeout = 5 * time.Second
	defaultModelName   = "default"
)

// 兼容级别 3.0.0 起时间与 UUID 使用通用的知名类型布局。
var wellKnownLevel = semver.MustParse("3.0.0")

// Config 是类型模型的配置。
type Config struct {
	AutoAddMissingTypes     bool          `mapstructure:"auto-add-missing-types"`
	AutoTuple               bool          `mapstructure:"auto-tuple"`
	ImplicitZeroDefault     bool          `mapstructure:"implicit-zero-default"`
	DefaultCollectionFormat string        `mapstructure:"default-collection-format"`
	CompatibilityLevel      string        `mapstructure:"compatibility-level"`
	DisabledModes           []string      `mapstructure:"disabled-modes"`
	LockTimeout             time.Duration `mapstructure:"lock-timeout"`
	MaxDepth                int           `mapstructure:"max-depth"`
	StrictSubTypes          bool          `mapstructure:"strict-subtypes"`
	StrictEnums             bool          `mapstructure:"strict-enums"`
	CaptureLockStack        bool          `mapstructure:"capture-lock-stack"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		AutoAddMissingTypes:     true,
		AutoTuple:               true,
		ImplicitZeroDefault:     true,
		DefaultCollectionFormat: Packed.String(),
		CompatibilityLevel:      wellKnownLevel.String(),
		LockTimeout:             DefaultLockTimeout,
		MaxDepth:                wire.DefaultMaxDepth,
	}
}

// LoadConfig 从 YAML/JSON 文件的 serializer 键读取配置，
// 环境变量 DANMU_SERIALIZER_* 可以覆盖文件中的值。
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setConfigDefaults(v)
	if path != "" {
		if err := v.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	v.BindEnv("DANMU")
	return UnmarshalConfig(v)
}

// UnmarshalConfig 从已加载的配置中读取 serializer 键。
func UnmarshalConfig(v *viper.Config) (Config, error) {
	cfg := DefaultConfig()
	if err := v.UnmarshalKey(ConfigKey, &cfg); err != nil {
		return Config{}, merr.WrapErrInvalidConfig(ConfigKey, err.Error())
	}
	if _, err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setConfigDefaults(v *viper.Config) {
	def := DefaultConfig()
	v.SetDefault(ConfigKey+".auto-add-missing-types", def.AutoAddMissingTypes)
	v.SetDefault(ConfigKey+".auto-tuple", def.AutoTuple)
	v.SetDefault(ConfigKey+".implicit-zero-default", def.ImplicitZeroDefault)
	v.SetDefault(ConfigKey+".default-collection-format", def.DefaultCollectionFormat)
	v.SetDefault(ConfigKey+".compatibility-level", def.CompatibilityLevel)
	v.SetDefault(ConfigKey+".lock-timeout", def.LockTimeout)
	v.SetDefault(ConfigKey+".max-depth", def.MaxDepth)
}

// modelConfig 是校验并解析后的配置。
type modelConfig struct {
	Config
	collection CollectionFormat
	level      semver.Version
	disabled   typeutil.Set[ObjectMode]
}

func (c Config) compile() (*modelConfig, error) {
	out := &modelConfig{Config: c, disabled: typeutil.NewSet[ObjectMode]()}
	var err error
	if out.collection, err = ParseCollectionFormat(c.DefaultCollectionFormat); err != nil {
		return nil, err
	}
	if out.collection == CollectionDefault {
		out.collection = Packed
	}
	if c.CompatibilityLevel == "" {
		out.level = wellKnownLevel
	} else if out.level, err = semver.ParseTolerant(c.CompatibilityLevel); err != nil {
		return nil, merr.WrapErrInvalidConfig("compatibility-level", c.CompatibilityLevel, err.Error())
	}
	for _, name := range c.DisabledModes {
		mode, err := ParseObjectMode(name)
		if err != nil {
			return nil, err
		}
		if mode == Compact || mode == ModeDefault {
			return nil, merr.WrapErrInvalidConfig("disabled-modes", name, "compact mode cannot be disabled")
		}
		out.disabled.Insert(mode)
	}
	if c.LockTimeout < 0 {
		return nil, merr.WrapErrInvalidConfig("lock-timeout", c.LockTimeout, "must not be negative")
	}
	if out.LockTimeout == 0 {
		out.LockTimeout = DefaultLockTimeout
	}
	if c.MaxDepth < 0 {
		return nil, merr.WrapErrInvalidConfig("max-depth", c.MaxDepth, "must not be negative")
	}
	if out.MaxDepth == 0 {
		out.MaxDepth = wire.DefaultMaxDepth
	}
	return out, nil
}

// LockContention 描述一次锁竞争：持有者释放时发现有其他调用方在等待。
type LockContention struct {
	Model     string        `json:"model"`
	Operation string        `json:"operation"`
	Held      time.Duration `json:"held"`
	Waiters   int64         `json:"waiters"`
}

type options struct {
	cfg          Config
	name         string
	logger       *log.MLogger
	discoverer   Discoverer
	lockTimeout  time.Duration
	maxDepth     int
	onContention func(LockContention)
}

// Option 配置 RuntimeTypeModel。
type Option func(*options)

func defaultOptions() *options {
	return &options{
		cfg:  DefaultConfig(),
		name: defaultModelName,
	}
}

func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithName 设置模型名，用于日志与指标标签。
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

func WithLogger(logger *log.MLogger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithDiscoverer 替换默认的结构体标签发现器。
func WithDiscoverer(d Discoverer) Option {
	return func(o *options) {
		o.discoverer = d
	}
}

// WithLockTimeout 覆盖配置中的锁等待时间。
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		o.lockTimeout = d
	}
}

// WithMaxDepth 覆盖配置中的最大嵌套深度。
func WithMaxDepth(n int) Option {
	return func(o *options) {
		o.maxDepth = n
	}
}

// WithLockContentionHandler 注册锁竞争回调。回调在释放锁之后执行。
func WithLockContentionHandler(fn func(LockContention)) Option {
	return func(o *options) {
		o.onContention = fn
	}
}
