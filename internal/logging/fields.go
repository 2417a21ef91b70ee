package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// FetchFields 提供 distfile 请求日志的公共字段，source 标明字节来源
// （cache/mirror/origin），供 coordinator 与 HTTP 层复用。
func FetchFields(file, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"file":      file,
		"source":    source,
		"cache_hit": cacheHit,
	}
}
