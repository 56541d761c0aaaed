package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"cdpdriver/pkg/domain"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	DevTools struct {
		URL       string `yaml:"url"`
		QueueSize int    `yaml:"queueSize"`
	} `yaml:"devtools"`

	Emulate *domain.EmulateOptions `yaml:"emulate"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.DevTools.URL = "http://127.0.0.1:9222"
	c.DevTools.QueueSize = 256
	c.Log.Level = "debug"
	c.Log.Writer = []string{"console"}
	return c
}

// Load 读取并解析 YAML 配置文件，缺省项取默认值
func Load(path string) (*Config, error) {
	c := NewConfig()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}
