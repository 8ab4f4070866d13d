package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// DefaultCacheMaxSize 与宿主播放器缓存的默认上限保持一致（2000 MiB）。
	DefaultCacheMaxSize = ByteSize(2000 * 1024 * 1024)
	// DefaultByteThreshold 是单次预取的字节截断阈值。
	DefaultByteThreshold = ByteSize(5 * 1024 * 1024)
	// DefaultHeadClip 是预取的片头时长上限。
	DefaultHeadClip = Duration(5 * time.Second)
	// DefaultFragmentSize 是写入缓存时单个 span 的最大字节数。
	DefaultFragmentSize = ByteSize(1024 * 1024)
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), byteSizeDecodeHook())
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyPrefetchDefaults(&cfg.Prefetch)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absCache, err := filepath.Abs(cfg.Global.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.CacheDir = absCache

	if cfg.Global.SettingsPath == "" {
		cfg.Global.SettingsPath = filepath.Join(absCache, "settings")
	}
	absSettings, err := filepath.Abs(cfg.Global.SettingsPath)
	if err != nil {
		return nil, fmt.Errorf("无法解析设置目录: %w", err)
	}
	cfg.Global.SettingsPath = absSettings

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("CacheDir", "./storage")
	v.SetDefault("CacheMaxSize", int64(DefaultCacheMaxSize))
	v.SetDefault("SettingsPath", "")
	v.SetDefault("FragmentSize", int64(DefaultFragmentSize))
	v.SetDefault("MetricsEnabled", true)
	v.SetDefault("MaxRetries", 8)
	v.SetDefault("InitialBackoff", "250ms")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("Prefetch.Workers", 2)
	v.SetDefault("Prefetch.QueueSize", 64)
	v.SetDefault("Prefetch.HeadClip", "5s")
	v.SetDefault("Prefetch.ByteThreshold", int64(DefaultByteThreshold))
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.CacheMaxSize == 0 {
		g.CacheMaxSize = DefaultCacheMaxSize
	}
	if g.FragmentSize == 0 {
		g.FragmentSize = DefaultFragmentSize
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(250 * time.Millisecond)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyPrefetchDefaults(p *PrefetchConfig) {
	if p.Workers == 0 {
		p.Workers = 2
	}
	if p.QueueSize == 0 {
		p.QueueSize = 64
	}
	if p.HeadClip.DurationValue() == 0 {
		p.HeadClip = DefaultHeadClip
	}
	if p.ByteThreshold == 0 {
		p.ByteThreshold = DefaultByteThreshold
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			parsed, err := parseByteSize(v)
			if err != nil {
				return nil, fmt.Errorf("无法解析容量字段: %s", v)
			}
			return parsed, nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(int64(v)), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的容量类型: %T", v)
		}
	}
}
