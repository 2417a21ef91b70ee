package config

import (
	"errors"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.FetchTimeout.DurationValue() <= 0 {
		return newFieldError("Global.FetchTimeout", "必须大于 0")
	}
	if g.HelperTimeout.DurationValue() <= 0 {
		return newFieldError("Global.HelperTimeout", "必须大于 0")
	}
	if g.MirrorBackoffBase.DurationValue() <= 0 {
		return newFieldError("Global.MirrorBackoffBase", "必须大于 0")
	}
	if g.MirrorBackoffCap.DurationValue() < g.MirrorBackoffBase.DurationValue() {
		return newFieldError("Global.MirrorBackoffCap", "不能小于 MirrorBackoffBase")
	}

	seen := map[string]struct{}{}
	for _, m := range c.Mirrors {
		if m.URL == "" {
			return newFieldError(mirrorField("", "URL"), "不能为空")
		}
		parsed, err := url.Parse(m.URL)
		if err != nil || parsed.Host == "" {
			return newFieldError(mirrorField(m.URL, "URL"), "不是合法的 URL")
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return newFieldError(mirrorField(m.URL, "URL"), "仅支持 http/https")
		}
		if m.Priority < 0 {
			return newFieldError(mirrorField(m.URL, "Priority"), "不能为负数")
		}
		if _, exists := seen[m.URL]; exists {
			return newFieldError(mirrorField(m.URL, "URL"), "重复的 mirror")
		}
		seen[m.URL] = struct{}{}
	}

	if c.Repo.SyncInterval.DurationValue() < 0 {
		return newFieldError("Repo.SyncInterval", "不能为负数")
	}
	if len(c.Repo.Repos) > 0 && c.Repo.StorageRoot == "" {
		return newFieldError("Repo.StorageRoot", "配置了 Repos 时不能为空")
	}
	for _, root := range c.Repo.TreeRoots {
		if strings.TrimSpace(root) == "" {
			return newFieldError("Repo.TreeRoots", "不能包含空路径")
		}
	}

	if strings.TrimSpace(c.Helper.Interpreter) == "" {
		return newFieldError("Helper.Interpreter", "不能为空")
	}

	return nil
}
