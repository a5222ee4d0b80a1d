package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ImageFields 提供图片来源、缓存键与命中层字段，供加载/HTTP 日志复用。
func ImageFields(url, key, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"url":       url,
		"cache_key": key,
		"source":    source,
		"cache_hit": cacheHit,
	}
}
