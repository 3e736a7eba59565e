package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// 单路流的配置
type StreamConfig struct {
	TvgID       string   `json:"tvg_id"`
	Upstream    string   `json:"upstream"`           // 上游地址前缀
	Manifest    string   `json:"manifest,omitempty"` // MPD 地址，保护信息诊断用
	Headers     []string `json:"headers,omitempty"`  // 转发给上游的请求头，"Key: Value"
	Keys        []string `json:"keys,omitempty"`     // kid:key 十六进制对
	JwkFile     string   `json:"jwk_file,omitempty"` // 本地 JWK 文件
	HttpTimeout *int     `json:"http_timeout,omitempty"`
}

type Config struct {
	Listen   string          `json:"listen"`
	CacheDir string          `json:"cache_dir"`
	MemTTL   *int            `json:"mem_ttl,omitempty"`  // 内存缓存秒数
	FileTTL  *int            `json:"file_ttl,omitempty"` // 文件缓存秒数，-1 关闭
	Streams  []*StreamConfig `json:"streams"`
}

func intPtr(v int) *int { return &v }

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults()
	for _, sc := range cfg.Streams {
		if sc.TvgID == "" || sc.Upstream == "" {
			return nil, fmt.Errorf("stream 缺少 tvg_id 或 upstream")
		}
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8880"
	}
	if c.CacheDir == "" {
		c.CacheDir = "./cache"
	}
	if c.MemTTL == nil {
		c.MemTTL = intPtr(30)
	}
	if c.FileTTL == nil {
		c.FileTTL = intPtr(-1)
	}
	for _, sc := range c.Streams {
		if sc.HttpTimeout == nil {
			sc.HttpTimeout = intPtr(10)
		}
	}
}
