package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "portcache.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyRepoDefaults(&cfg.Repo)
	applyHelperDefaults(&cfg.Helper)
	for i := range cfg.Mirrors {
		cfg.Mirrors[i].URL = strings.TrimRight(strings.TrimSpace(cfg.Mirrors[i].URL), "/")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	absRepoRoot, err := filepath.Abs(cfg.Repo.StorageRoot)
	if err != nil {
		return nil, fmt.Errorf("无法解析仓库目录: %w", err)
	}
	cfg.Repo.StorageRoot = absRepoRoot

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("FetchTimeout", "10m")
	v.SetDefault("HelperTimeout", "30s")
	v.SetDefault("MirrorBackoffBase", "15s")
	v.SetDefault("MirrorBackoffCap", "15m")
	v.SetDefault("Repo.SyncInterval", "30m")
	v.SetDefault("Repo.StorageRoot", "./repos")
	v.SetDefault("Helper.Interpreter", "/usr/lib/portage/python3.12/python")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.FetchTimeout.DurationValue() == 0 {
		g.FetchTimeout = Duration(10 * time.Minute)
	}
	if g.HelperTimeout.DurationValue() == 0 {
		g.HelperTimeout = Duration(30 * time.Second)
	}
	if g.MirrorBackoffBase.DurationValue() == 0 {
		g.MirrorBackoffBase = Duration(15 * time.Second)
	}
	if g.MirrorBackoffCap.DurationValue() == 0 {
		g.MirrorBackoffCap = Duration(15 * time.Minute)
	}
}

func applyRepoDefaults(r *RepoConfig) {
	if r.StorageRoot == "" {
		r.StorageRoot = "./repos"
	}
}

func applyHelperDefaults(h *HelperConfig) {
	if h.Interpreter == "" {
		h.Interpreter = "/usr/lib/portage/python3.12/python"
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
