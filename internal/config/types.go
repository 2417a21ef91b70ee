package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有组件共享同一份参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// StoragePath 是缓存根目录，distfiles 会存放在 <StoragePath>/distfiles 下。
	StoragePath string `mapstructure:"StoragePath"`

	// FetchTimeout 约束单次 mirror/origin 下载，HelperTimeout 约束元数据 helper 调用。
	FetchTimeout  Duration `mapstructure:"FetchTimeout"`
	HelperTimeout Duration `mapstructure:"HelperTimeout"`

	// MirrorBackoffBase/MirrorBackoffCap 控制 mirror 健康退避窗口的指数增长。
	MirrorBackoffBase Duration `mapstructure:"MirrorBackoffBase"`
	MirrorBackoffCap  Duration `mapstructure:"MirrorBackoffCap"`
}

// MirrorConfig 描述一个上游 mirror。Priority 数值越小优先级越高，
// 相同 Priority 按配置顺序尝试。
type MirrorConfig struct {
	URL      string `mapstructure:"URL"`
	Priority int    `mapstructure:"Priority"`
}

// RepoConfig 控制 ebuild 仓库的同步与扫描行为。
type RepoConfig struct {
	// SyncInterval 是周期性 git 同步的间隔，0 表示不启动 syncer。
	SyncInterval Duration `mapstructure:"SyncInterval"`

	// StorageRoot 是 git 克隆的落地目录。
	StorageRoot string `mapstructure:"StorageRoot"`

	// Repos 是需要克隆并保持同步的仓库 URL 列表。
	Repos []string `mapstructure:"Repos"`

	// TreeRoots 是额外的本地 ebuild 树根目录，不参与同步、仅参与 Manifest 扫描。
	TreeRoots []string `mapstructure:"TreeRoots"`
}

// HelperConfig 描述外部元数据 helper 的调用方式。
type HelperConfig struct {
	// Interpreter 是执行 SRC_URI helper 的解释器，默认使用 Portage 自带的 python。
	Interpreter string `mapstructure:"Interpreter"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Mirrors []MirrorConfig `mapstructure:"Mirror"`
	Repo    RepoConfig     `mapstructure:"Repo"`
	Helper  HelperConfig   `mapstructure:"Helper"`
}

// MirrorURLs 返回按配置顺序排列的 mirror 地址，供日志与诊断输出。
func (c *Config) MirrorURLs() []string {
	if c == nil || len(c.Mirrors) == 0 {
		return nil
	}
	result := make([]string, len(c.Mirrors))
	for i, m := range c.Mirrors {
		result[i] = m.URL
	}
	return result
}
