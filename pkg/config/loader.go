package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadConfig 读取 configDir 下的 base.yaml，叠加 <env>.yaml，
// 再用 secrets.env 和进程环境变量展开 ${VAR} 占位符（secrets.env 优先）。
// 未能解析的占位符原样保留，由调用方的 Override*FromEnv 或校验处理。
func LoadConfig(env string, configDir string) (map[string]interface{}, error) {
	if configDir == "" {
		configDir = "config"
	}

	merged, err := readYAML(filepath.Join(configDir, "base.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load base.yaml: %w", err)
	}

	if env != "" && env != "base" {
		overlay, err := readYAML(filepath.Join(configDir, env+".yaml"))
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to load %s.yaml: %w", env, err)
		default:
			merged = overlayMaps(merged, overlay)
		}
	}

	secrets, err := readDotEnv(filepath.Join(configDir, "secrets.env"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load secrets.env: %w", err)
	}

	lookup := func(key string) (string, bool) {
		if v, ok := secrets[key]; ok {
			return v, true
		}
		if v := os.Getenv(key); v != "" {
			return v, true
		}
		return "", false
	}
	return expandTree(merged, lookup).(map[string]interface{}), nil
}

// Decode 把合并后的 map 解码到具体的配置结构体
func Decode(cfgMap map[string]interface{}, out interface{}) error {
	data, err := yaml.Marshal(cfgMap)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

func readYAML(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// readDotEnv 解析 KEY=VALUE 行，忽略空行和 # 注释，去掉成对引号
func readDotEnv(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	env := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		env[strings.TrimSpace(key)] = value
	}
	return env, sc.Err()
}

// overlayMaps 返回 base 的副本，top 中的键逐层覆盖；嵌套 map 递归合并
func overlayMaps(base, top map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(top))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range top {
		bm, bok := out[k].(map[string]interface{})
		tm, tok := v.(map[string]interface{})
		if bok && tok {
			out[k] = overlayMaps(bm, tm)
			continue
		}
		out[k] = v
	}
	return out
}

func expandTree(v interface{}, lookup func(string) (string, bool)) interface{} {
	switch val := v.(type) {
	case string:
		return placeholder.ReplaceAllStringFunc(val, func(m string) string {
			if s, ok := lookup(m[2 : len(m)-1]); ok {
				return s
			}
			return m
		})
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = expandTree(item, lookup)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = expandTree(item, lookup)
		}
		return out
	}
	return v
}

// GetEnv 获取环境变量，如果未设置则返回默认值
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetConfigEnv 读取 CONFIG_ENV，默认 local
func GetConfigEnv() string {
	return GetEnv("CONFIG_ENV", "local")
}
