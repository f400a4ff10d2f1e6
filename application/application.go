package application

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"runtime"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/codec"
	zlog "github.com/lk2023060901/danmu-garden-protobuf/pkg/log"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-protobuf/pkg/protobuf/meta"
	zviper "github.com/lk2023060901/danmu-garden-protobuf/pkg/util/viper"
)

const (
	envPrefix         = "DANMU"
	envConfigFilePath = envPrefix + "_CONFIG_FILE_PATH"
	defaultConfigPath = "./config.yaml"

	// serializerLoggerName 是 logging 键下类型模型使用的具名 logger。
	serializerLoggerName = "serializer"
)

// Application 持有配置、日志、类型模型与编解码器。
type Application struct {
	args    []string
	cfg     *zviper.Config
	loggers map[string]*zlog.MLogger

	model *meta.RuntimeTypeModel
	codec *codec.Codec
}

// New 创建一个 Application，命令行参数取自 os.Args。
func New() *Application {
	return &Application{args: os.Args[1:]}
}

// Run 加载配置、初始化日志，并按配置构建类型模型与编解码器；
// 传入的类型会在返回前完成管线预热。
//
// 配置文件路径优先级：
//  1. 默认：./config.yaml
//  2. 环境变量：DANMU_CONFIG_FILE_PATH
//  3. 命令行：--config <path> 或 --config=<path>
func (a *Application) Run(ctx context.Context, types ...reflect.Type) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.cfg = cfg

	if err := a.initLogging(); err != nil {
		return err
	}
	metrics.Register(metrics.GetRegisterer())

	if err := a.initModel(); err != nil {
		return err
	}
	if err := a.initCodec(); err != nil {
		return err
	}
	return a.Warmup(ctx, types...)
}

// Close 释放编解码器持有的资源。
func (a *Application) Close() {
	if a.codec != nil {
		a.codec.Close()
	}
}

func (a *Application) Config() *zviper.Config {
	return a.cfg
}

func (a *Application) Model() *meta.RuntimeTypeModel {
	return a.model
}

func (a *Application) Codec() *codec.Codec {
	return a.codec
}

// Logger 返回配置中的具名 logger，未配置时退回全局 logger。
func (a *Application) Logger(name string) *zlog.MLogger {
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return &zlog.MLogger{Logger: zlog.L()}
}

// Warmup 并发构建 types 的根管线，任一失败时取消其余构建。
func (a *Application) Warmup(ctx context.Context, types ...reflect.Type) error {
	if a.model == nil || len(types) == 0 {
		return nil
	}
	ctx = zlog.WithModel(ctx, a.model.Name())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, t := range types {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			tctx := zlog.WithType(gctx, t.String())
			if _, err := a.model.RootSerializer(t); err != nil {
				zlog.Ctx(tctx).Warn("warm up type failed", zap.Error(err))
				return err
			}
			zlog.Ctx(tctx).Debug("type warmed up")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("warm up type model: %w", err)
	}
	zlog.Ctx(ctx).Info("type model warmed up", zap.Int("types", len(types)))
	return nil
}

// loadConfig 解析配置文件路径并加载，DANMU_* 环境变量可以覆盖文件中的值。
func (a *Application) loadConfig() (*zviper.Config, error) {
	configPath := defaultConfigPath

	if envPath := os.Getenv(envConfigFilePath); envPath != "" {
		configPath = envPath
	}

	for i := 0; i < len(a.args); i++ {
		arg := a.args[i]
		if arg == "--config" {
			if i+1 >= len(a.args) {
				return nil, fmt.Errorf("missing value after --config")
			}
			configPath = a.args[i+1]
			i++
			continue
		}
		if val, ok := strings.CutPrefix(arg, "--config="); ok && val != "" {
			configPath = val
		}
	}

	cfg := zviper.New()
	if err := cfg.LoadFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file %q: %w", configPath, err)
	}
	cfg.BindEnv(envPrefix)
	return cfg, nil
}

func (a *Application) initModel() error {
	mcfg, err := meta.UnmarshalConfig(a.cfg)
	if err != nil {
		return fmt.Errorf("load serializer config: %w", err)
	}
	logger := a.Logger(serializerLoggerName)
	model, err := meta.New(
		meta.WithConfig(mcfg),
		meta.WithLogger(logger),
		meta.WithLockContentionHandler(func(c meta.LockContention) {
			logger.RatedWarn(10, "type model lock contended",
				zap.String("operation", c.Operation),
				zap.Duration("held", c.Held),
				zap.Int64("waiters", c.Waiters))
		}),
	)
	if err != nil {
		return fmt.Errorf("create type model: %w", err)
	}
	a.model = model
	return nil
}

func (a *Application) initCodec() error {
	ccfg, err := codec.UnmarshalConfig(a.cfg)
	if err != nil {
		return fmt.Errorf("load codec config: %w", err)
	}
	c, err := codec.NewFromConfig(ccfg, a.model)
	if err != nil {
		return fmt.Errorf("create codec: %w", err)
	}
	a.codec = c
	return nil
}

// initLogging 初始化全局 logger 与 logging 键下的具名 logger。
func (a *Application) initLogging() error {
	if err := a.initGlobalLoggerFromEnv(); err != nil {
		return err
	}
	return a.initModuleLoggersFromConfig()
}

// initGlobalLoggerFromEnv 根据 DANMU_LOG_* 环境变量配置全局 logger。
//
//   - DANMU_LOG_ENABLE：为 "1"/"true" 时开启输出，否则丢弃。
//   - DANMU_LOG_LEVEL：日志级别（默认 "info"）。
//   - DANMU_LOG_STDOUT：是否输出到 stdout（默认 false）。
//   - DANMU_LOG_FILE_DIR：日志目录。
//   - DANMU_LOG_FILE：日志文件名（为空时不写文件）。
//   - DANMU_LOG_FORMAT：日志格式（"text" 或 "json"，默认 "text"）。
func (a *Application) initGlobalLoggerFromEnv() error {
	enabled := getenvBool(envPrefix+"_LOG_ENABLE", false)

	cfg := &zlog.Config{
		Level:  getenvDefault(envPrefix+"_LOG_LEVEL", "info"),
		Format: getenvDefault(envPrefix+"_LOG_FORMAT", zlog.FormatText),
		Stdout: getenvBool(envPrefix+"_LOG_STDOUT", false),
		File: zlog.FileLogConfig{
			RootPath: getenvDefault(envPrefix+"_LOG_FILE_DIR", ""),
			Filename: getenvDefault(envPrefix+"_LOG_FILE", ""),
		},
	}
	if !enabled {
		cfg.Stdout = false
		cfg.File.Filename = ""
	}

	logger, props, err := zlog.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("init global logger from env: %w", err)
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}

// initModuleLoggersFromConfig 根据 logging 键创建具名 logger。
//
// 示例：
//
//	logging:
//	  serializer:
//	    level: debug
//	    stdout: true
//	    rate:
//	      credit-per-second: 1
//	      max-balance: 60
//	    file:
//	      rootpath: ./logs
//	      filename: serializer.log
func (a *Application) initModuleLoggersFromConfig() error {
	if a.cfg == nil || !a.cfg.IsSet("logging") {
		return nil
	}

	raw := make(map[string]zlog.Config)
	if err := a.cfg.UnmarshalKey("logging", &raw); err != nil {
		return fmt.Errorf("load logging config: %w", err)
	}

	a.loggers = make(map[string]*zlog.MLogger, len(raw))
	for name, lc := range raw {
		cfgCopy := lc
		if cfgCopy.Level == "" {
			cfgCopy.Level = "info"
		}
		logger, _, err := zlog.InitLogger(&cfgCopy)
		if err != nil {
			return fmt.Errorf("init module logger %q: %w", name, err)
		}
		ml := &zlog.MLogger{Logger: logger}
		if cfgCopy.Rate.Enabled() {
			ml.WithRateLimiter(zlog.NewRateLimiter(cfgCopy.Rate))
		}
		a.loggers[name] = ml
	}
	return nil
}

func getenvDefault(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func getenvBool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
