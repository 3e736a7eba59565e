package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"cencproxy/clearkey"
)

type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	K   string `json:"k"`
}

type JWKSet struct {
	Keys []JWK `json:"keys"`
}

func base64DecodeWithPad(s string) ([]byte, error) {
	s = strings.ReplaceAll(s, "-", "+")
	s = strings.ReplaceAll(s, "_", "/")
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.StdEncoding.DecodeString(s)
}

// "kid:key" 十六进制对
func parseKeyPair(pair string) (kid []byte, key []byte, err error) {
	kidKey := strings.Split(pair, ":")
	if len(kidKey) != 2 {
		return nil, nil, fmt.Errorf("密钥格式错误: %s", pair)
	}
	kid, err = hex.DecodeString(kidKey[0])
	if err != nil {
		return nil, nil, fmt.Errorf("kid 格式错误: %w", err)
	}
	key, err = hex.DecodeString(kidKey[1])
	if err != nil {
		return nil, nil, fmt.Errorf("key 格式错误: %w", err)
	}
	return kid, key, nil
}

// 把一路流配置的密钥灌进 CDM。
// 只认本地配置：kid:key 十六进制对，或本地 JWK 文件。
func loadStreamKeys(sc *StreamConfig, cdm *clearkey.CDM) error {
	for _, pair := range sc.Keys {
		kid, key, err := parseKeyPair(pair)
		if err != nil {
			return err
		}
		if err := cdm.AddKey(kid, key); err != nil {
			return err
		}
	}

	if sc.JwkFile != "" {
		data, err := os.ReadFile(sc.JwkFile)
		if err != nil {
			return fmt.Errorf("读取 JWK 文件失败: %w", err)
		}
		if err := loadJWKSet(data, cdm); err != nil {
			return err
		}
	}
	return nil
}

func loadJWKSet(data []byte, cdm *clearkey.CDM) error {
	var jwk JWKSet
	if err := json.Unmarshal(data, &jwk); err != nil {
		return fmt.Errorf("解析 JWK 失败: %w", err)
	}
	for _, key := range jwk.Keys {
		kid, err := base64DecodeWithPad(key.Kid)
		if err != nil {
			return fmt.Errorf("JWK kid 解码失败: %w", err)
		}
		k, err := base64DecodeWithPad(key.K)
		if err != nil {
			return fmt.Errorf("JWK k 解码失败: %w", err)
		}
		if err := cdm.AddKey(kid, k); err != nil {
			return err
		}
	}
	return nil
}
